package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/lockwarden/internal/controlplane"
	"github.com/fentz26/lockwarden/internal/models"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	magentaColor   = lipgloss.Color("#D946EF")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			MarginTop(1)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// indicatorColor maps a lock indicator colour name to the palette.
func indicatorColor(name string) lipgloss.Color {
	switch name {
	case "red":
		return errorColor
	case "green":
		return successColor
	case "yellow":
		return warningColor
	case "magenta":
		return magentaColor
	default:
		return mutedColor
	}
}

func renderIndicator(ind models.LockIndicator) string {
	return lipgloss.NewStyle().Foreground(indicatorColor(ind.Color)).Render(ind.Dot + " " + ind.Tag)
}

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(mutedColor).
		BorderBottom(true).
		Bold(true).
		Foreground(cyanColor)
	s.Selected = s.Selected.
		Foreground(fgColor).
		Background(primaryColor).
		Bold(false)
	return s
}

// columns returns the table layout of a tab.
func columns(t Tab) []table.Column {
	switch t {
	case TabLocks:
		return []table.Column{
			{Title: "STATUS", Width: 14},
			{Title: "RESOURCE", Width: 36},
			{Title: "AGENT", Width: 14},
			{Title: "LEVEL", Width: 9},
			{Title: "PRI", Width: 4},
			{Title: "TTL", Width: 8},
			{Title: "ID", Width: 10},
		}
	case TabAgents:
		return []table.Column{
			{Title: "AGENT", Width: 16},
			{Title: "STATUS", Width: 9},
			{Title: "HELD", Width: 5},
			{Title: "WAIT", Width: 5},
			{Title: "TASK", Width: 12},
			{Title: "CAPABILITIES", Width: 30},
			{Title: "SEEN", Width: 8},
		}
	case TabTasks:
		return []table.Column{
			{Title: "STATUS", Width: 12},
			{Title: "TYPE", Width: 12},
			{Title: "DESCRIPTION", Width: 30},
			{Title: "AGENTS", Width: 14},
			{Title: "PROG", Width: 5},
			{Title: "ID", Width: 10},
		}
	case TabConflicts:
		return []table.Column{
			{Title: "TYPE", Width: 17},
			{Title: "SEV", Width: 7},
			{Title: "AGENTS", Width: 18},
			{Title: "RESOURCES", Width: 30},
			{Title: "STRATEGY", Width: 10},
			{Title: "ID", Width: 10},
		}
	default:
		return []table.Column{
			{Title: "#", Width: 6},
			{Title: "TIME", Width: 9},
			{Title: "AGENT", Width: 12},
			{Title: "ACTION", Width: 18},
			{Title: "MESSAGE", Width: 50},
		}
	}
}

// rows projects the view onto the table rows of a tab.
func rows(t Tab, v *controlplane.View, now time.Time) []table.Row {
	if v == nil {
		return nil
	}
	var out []table.Row
	switch t {
	case TabLocks:
		for _, l := range v.Locks {
			ind := l.Indicator
			out = append(out, table.Row{
				ind.Dot + " " + ind.Tag,
				l.ResourceID,
				l.AgentID,
				string(l.LockLevel),
				fmt.Sprint(l.Priority),
				remaining(l.Lock, now),
				short(l.ID),
			})
		}
	case TabAgents:
		for _, a := range v.Agents {
			status := string(a.Status)
			if a.Inactive {
				status += "!"
			}
			out = append(out, table.Row{
				a.ID,
				status,
				fmt.Sprint(len(a.HeldLocks)),
				fmt.Sprint(len(a.Waiting)),
				short(a.CurrentTask),
				strings.Join(a.Capabilities, ","),
				formatDuration(now.Sub(a.LastActivity)),
			})
		}
	case TabTasks:
		for _, tk := range v.Tasks {
			out = append(out, table.Row{
				string(tk.Status),
				tk.TaskType,
				tk.Description,
				strings.Join(tk.AssignedTo, ","),
				fmt.Sprintf("%d%%", tk.Progress),
				short(tk.ID),
			})
		}
	case TabConflicts:
		for _, c := range v.Conflicts {
			strategy := string(c.Strategy)
			if c.Escalated {
				strategy += "^"
			}
			out = append(out, table.Row{
				string(c.Type),
				string(c.Severity),
				strings.Join(c.AgentsInvolved, ","),
				strings.Join(c.Resources, ","),
				strategy,
				short(c.ID),
			})
		}
	case TabActivity:
		for _, e := range v.Activity {
			out = append(out, table.Row{
				fmt.Sprint(e.ID),
				e.Timestamp.Local().Format("15:04:05"),
				e.AgentID,
				e.Action,
				e.Message,
			})
		}
	}
	return out
}

// detail renders the full record behind the selected row.
func detail(t Tab, v *controlplane.View, idx int, now time.Time) string {
	if v == nil || idx < 0 {
		return ""
	}
	var b strings.Builder
	field := func(label string, value any) {
		fmt.Fprintf(&b, "  %s %v\n", labelStyle.Render(fmt.Sprintf("%-14s", label+":")), value)
	}
	switch t {
	case TabLocks:
		if idx >= len(v.Locks) {
			return ""
		}
		l := v.Locks[idx]
		b.WriteString(sectionStyle.Render("Lock "+l.ID) + "\n")
		field("Status", renderIndicator(l.Indicator))
		field("Resource", l.ResourceID)
		field("Agent", l.AgentID)
		field("Level", l.LockLevel)
		field("Type", l.LockType)
		field("Priority", l.Priority)
		field("TTL left", remaining(l.Lock, now))
		if l.TaskID != "" {
			field("Task", l.TaskID)
		}
		if l.Intent != "" {
			field("Intent", l.Intent)
		}
		if l.Strategy != "" {
			field("Strategy", l.Strategy)
		}
		field("Requested", l.RequestedAt.Local().Format(time.DateTime))
	case TabAgents:
		if idx >= len(v.Agents) {
			return ""
		}
		a := v.Agents[idx]
		b.WriteString(sectionStyle.Render("Agent "+a.ID) + "\n")
		field("Status", a.Status)
		field("Inactive", a.Inactive)
		if a.ErrorReason != "" {
			field("Error", a.ErrorReason)
		}
		field("Capabilities", strings.Join(a.Capabilities, ", "))
		field("Held locks", strings.Join(a.HeldLocks, ", "))
		field("Waiting", strings.Join(a.Waiting, ", "))
		field("Tasks", strings.Join(a.Tasks, ", "))
		field("Last seen", formatDuration(now.Sub(a.LastActivity))+" ago")
	case TabTasks:
		if idx >= len(v.Tasks) {
			return ""
		}
		tk := v.Tasks[idx]
		b.WriteString(sectionStyle.Render("Task "+tk.ID) + "\n")
		field("Status", tk.Status)
		field("Type", tk.TaskType)
		field("Description", tk.Description)
		field("Resources", strings.Join(tk.Resources, ", "))
		field("Depends on", strings.Join(tk.Dependencies, ", "))
		field("Assigned", strings.Join(tk.AssignedTo, ", "))
		field("Progress", fmt.Sprintf("%d%%", tk.Progress))
		if tk.Outcome != "" {
			field("Outcome", tk.Outcome)
		}
	case TabConflicts:
		if idx >= len(v.Conflicts) {
			return ""
		}
		c := v.Conflicts[idx]
		b.WriteString(sectionStyle.Render("Conflict "+c.ID) + "\n")
		field("Type", c.Type)
		field("Severity", c.Severity)
		field("Agents", strings.Join(c.AgentsInvolved, ", "))
		field("Resources", strings.Join(c.Resources, ", "))
		field("Locks", strings.Join(c.LockIDs, ", "))
		field("Strategy", c.Strategy)
		field("Escalated", c.Escalated)
		field("Suggestion", c.SuggestedResolution)
		b.WriteString("\n  " + helpStyle.Render(":resolve "+short(c.ID)+" grant|abort|dismiss") + "\n")
	case TabActivity:
		if idx >= len(v.Activity) {
			return ""
		}
		e := v.Activity[idx]
		b.WriteString(sectionStyle.Render(fmt.Sprintf("Entry #%d", e.ID)) + "\n")
		field("Time", e.Timestamp.Local().Format(time.DateTime))
		field("Agent", e.AgentID)
		field("Action", e.Action)
		field("Resource", e.Resource)
		field("Status", e.Status)
		field("Message", e.Message)
	}
	return b.String()
}

func remaining(l models.Lock, now time.Time) string {
	if l.ExpiresAt == nil {
		return "-"
	}
	return formatDuration(l.ExpiresAt.Sub(now))
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "EXPIRED"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
