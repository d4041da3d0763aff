package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for the command bar. The first word
// completes to a command; a word starting with @ completes to an id.
type Suggestions struct {
	refs        []SuggestionItem
	filtered    []SuggestionItem
	selectedIdx int
	visible     bool
	mode        string // "command" or "ref"
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command", "agent", "lock", "task", "conflict"
}

var commandSuggestions = []SuggestionItem{
	{Text: "lock", Description: "lock <agent> <resource> [read|write|exclusive]", Type: "command"},
	{Text: "release", Description: "release <agent> <lock>", Type: "command"},
	{Text: "renew", Description: "renew <agent> <lock> [seconds]", Type: "command"},
	{Text: "task", Description: "task <type> <res,res> [description]", Type: "command"},
	{Text: "assign", Description: "assign <task> <agent,agent>", Type: "command"},
	{Text: "start", Description: "start <task>", Type: "command"},
	{Text: "done", Description: "done <task> [failed]", Type: "command"},
	{Text: "dispatch", Description: "Start every runnable pending task", Type: "command"},
	{Text: "resolve", Description: "resolve <conflict> grant|abort|dismiss [note]", Type: "command"},
	{Text: "queue", Description: "queue <resource>", Type: "command"},
	{Text: "quit", Description: "Exit the dashboard", Type: "command"},
}

// NewSuggestions creates a new suggestions handler
func NewSuggestions() *Suggestions {
	return &Suggestions{}
}

// SetRefs replaces the ids offered after @.
func (s *Suggestions) SetRefs(refs []SuggestionItem) {
	s.refs = refs
}

// Update updates suggestions based on current input
func (s *Suggestions) Update(input string) {
	s.visible = false
	s.filtered = nil
	s.selectedIdx = 0
	if input == "" {
		return
	}

	if !strings.Contains(input, " ") {
		s.mode = "command"
		s.filter(commandSuggestions, strings.ToLower(input))
		return
	}
	if strings.HasSuffix(input, " ") {
		return
	}
	fields := strings.Fields(input)
	last := fields[len(fields)-1]
	if strings.HasPrefix(last, "@") {
		s.mode = "ref"
		s.filter(s.refs, strings.ToLower(strings.TrimPrefix(last, "@")))
	}
}

func (s *Suggestions) filter(items []SuggestionItem, query string) {
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
	s.visible = len(s.filtered) > 0
}

// Accept replaces the word being completed with the selection.
func (s *Suggestions) Accept(input string) string {
	sel := s.Selected()
	if sel == nil {
		return input
	}
	s.visible = false
	i := strings.LastIndex(input, " ")
	return input[:i+1] + sel.Text + " "
}

// Next moves to the next suggestion
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the currently selected suggestion
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.visible || len(s.filtered) == 0 || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible returns whether suggestions are currently visible
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render renders the suggestions dropdown
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder

	suggestionStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(secondaryColor).
		Padding(0, 1).
		Width(max(width-4, 20))

	selectedStyle := lipgloss.NewStyle().
		Background(primaryColor).
		Foreground(fgColor).
		Bold(true)

	itemStyle := lipgloss.NewStyle().Foreground(fgColor)
	descStyle := lipgloss.NewStyle().Foreground(mutedColor).Italic(true)

	header := "Commands"
	if s.mode == "ref" {
		header = "References"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	// Show max 5 suggestions
	maxVisible := 5
	for i, item := range s.filtered {
		if i >= maxVisible {
			b.WriteString(descStyle.Render(fmt.Sprintf("  ... and %d more", len(s.filtered)-maxVisible)))
			break
		}

		var line string
		if i == s.selectedIdx {
			line = selectedStyle.Render("▶ " + item.Text)
			if item.Description != "" {
				line += " " + selectedStyle.Render(item.Description)
			}
		} else {
			line = itemStyle.Render("  " + item.Text)
			if item.Description != "" {
				line += " " + descStyle.Render(item.Description)
			}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return suggestionStyle.Render(b.String())
}
