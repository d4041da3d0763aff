// Package tui provides the interactive terminal dashboard for lockwarden.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/lockwarden/internal/controlplane"
)

const (
	refreshInterval = 2 * time.Second
	activityWindow  = 200
)

// App is the main TUI application model.
type App struct {
	client   *Client
	feed     *Feed
	table    table.Model
	viewport viewport.Model
	cmdbar   *CmdBarModel
	sugg     *Suggestions

	tab          Tab
	detail       bool
	view         *controlplane.View
	width        int
	height       int
	message      string
	msgErr       bool
	loading      bool
	daemonOnline bool
	live         bool
	lastEvent    string
	now          func() time.Time
}

// New creates a new TUI application. With live set, the dashboard also
// follows the daemon's event stream.
func New(apiAddr string, live bool) *App {
	client := NewClient(apiAddr)
	t := table.New(
		table.WithColumns(columns(TabLocks)),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	t.SetStyles(tableStyles())

	a := &App{
		client:   client,
		table:    t,
		viewport: viewport.New(80, 20),
		cmdbar:   NewCmdBarModel(),
		sugg:     NewSuggestions(),
		now:      time.Now,
	}
	if live {
		a.feed = NewFeed(client.BaseURL())
	}
	return a
}

// Run starts the TUI application.
func (a *App) Run(ctx context.Context) error {
	if a.feed != nil {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go a.feed.Run(ctx)
	}
	p := tea.NewProgram(a, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	cmds := []tea.Cmd{a.fetchView(), a.checkDaemon(), a.tickCmd()}
	if a.feed != nil {
		cmds = append(cmds, a.feed.wait())
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.cmdbar.Focused() {
			return a, a.updateCmdBar(msg)
		}
		return a, a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.cmdbar.SetWidth(msg.Width - 8)
		a.table.SetWidth(msg.Width)
		a.table.SetHeight(max(msg.Height-9, 3))
		a.viewport.Width = msg.Width
		a.viewport.Height = max(msg.Height-9, 3)

	case viewLoadedMsg:
		a.loading = false
		a.daemonOnline = true
		a.view = msg.view
		a.refreshTable()

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		return a, tea.Batch(a.fetchView(), a.tickCmd())

	case feedEventMsg:
		a.live = true
		a.lastEvent = msg.Topic
		return a, tea.Batch(a.fetchView(), a.feed.wait())

	case feedStatusMsg:
		a.live = bool(msg)
		return a, a.feed.wait()

	case cmdResultMsg:
		a.message, a.msgErr = msg.message, msg.err
		return a, a.fetchView()

	case errMsg:
		a.loading = false
		a.daemonOnline = false
		a.message, a.msgErr = "Error: "+msg.err.Error(), true
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c", "q":
		return tea.Quit
	case ":", "/":
		a.message = ""
		return a.cmdbar.Focus()
	case "esc":
		a.detail = false
		return nil
	case "tab", "right", "l":
		a.switchTab((a.tab + 1) % Tab(len(tabNames)))
		return nil
	case "shift+tab", "left", "h":
		a.switchTab((a.tab + Tab(len(tabNames)) - 1) % Tab(len(tabNames)))
		return nil
	case "1", "2", "3", "4", "5":
		a.switchTab(Tab(msg.String()[0] - '1'))
		return nil
	case "r":
		return a.fetchView()
	case "enter":
		a.detail = !a.detail
		a.refreshDetail()
		return nil
	}

	var cmd tea.Cmd
	if a.detail {
		a.viewport, cmd = a.viewport.Update(msg)
		return cmd
	}
	a.table, cmd = a.table.Update(msg)
	return cmd
}

func (a *App) updateCmdBar(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c":
		return tea.Quit
	case "esc":
		a.cmdbar.Blur()
		a.sugg.Update("")
		return nil
	case "up":
		a.sugg.Prev()
		return nil
	case "down":
		a.sugg.Next()
		return nil
	case "tab":
		if a.sugg.IsVisible() {
			a.cmdbar.SetValue(a.sugg.Accept(a.cmdbar.Value()))
			a.sugg.Update(a.cmdbar.Value())
		}
		return nil
	case "enter":
		line := a.cmdbar.Submit()
		a.sugg.Update("")
		return Execute(a.client, line, a.resolveID)
	}
	cmd := a.cmdbar.Update(msg)
	a.sugg.SetRefs(a.references())
	a.sugg.Update(a.cmdbar.Value())
	return cmd
}

func (a *App) switchTab(t Tab) {
	if t == a.tab {
		return
	}
	a.tab = t
	a.detail = false
	a.table.SetRows(nil)
	a.table.SetColumns(columns(t))
	a.table.SetCursor(0)
	a.refreshTable()
}

func (a *App) refreshTable() {
	rs := rows(a.tab, a.view, a.now())
	a.table.SetRows(rs)
	if c := a.table.Cursor(); c >= len(rs) {
		a.table.SetCursor(max(len(rs)-1, 0))
	}
	if a.detail {
		a.refreshDetail()
	}
}

func (a *App) refreshDetail() {
	a.viewport.SetContent(detail(a.tab, a.view, a.table.Cursor(), a.now()))
}

// references lists ids for @ completion.
func (a *App) references() []SuggestionItem {
	if a.view == nil {
		return nil
	}
	var out []SuggestionItem
	for _, ag := range a.view.Agents {
		out = append(out, SuggestionItem{Text: ag.ID, Description: string(ag.Status), Type: "agent"})
	}
	for _, l := range a.view.Locks {
		out = append(out, SuggestionItem{Text: l.ID, Description: l.ResourceID, Type: "lock"})
	}
	for _, t := range a.view.Tasks {
		out = append(out, SuggestionItem{Text: t.ID, Description: t.Description, Type: "task"})
	}
	for _, c := range a.view.Conflicts {
		out = append(out, SuggestionItem{Text: c.ID, Description: string(c.Type), Type: "conflict"})
	}
	return out
}

// resolveID expands a unique id prefix to the full lock, task or conflict id.
func (a *App) resolveID(s string) string {
	if a.view == nil || len(s) < 4 {
		return s
	}
	var match string
	consider := func(id string) {
		if strings.HasPrefix(id, s) {
			if match != "" && match != id {
				match = "\x00"
				return
			}
			if match == "" {
				match = id
			}
		}
	}
	for _, l := range a.view.Locks {
		consider(l.ID)
	}
	for _, t := range a.view.Tasks {
		consider(t.ID)
	}
	for _, c := range a.view.Conflicts {
		consider(c.ID)
	}
	if match == "" || match == "\x00" {
		return s
	}
	return match
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("LOCKWARDEN") + "  " + daemon
	if a.feed != nil {
		if a.live {
			header += "  " + onlineStyle.Render("● LIVE")
		} else {
			header += "  " + offlineStyle.Render("○ LIVE")
		}
	}
	if a.view != nil {
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf(
			"[%d agents · %d locks · %d open conflicts]",
			len(a.view.Agents), len(a.view.Locks), len(a.view.Conflicts)))
	}
	b.WriteString(header + "\n")

	var tabs []string
	for i, name := range tabNames {
		label := fmt.Sprintf("%d %s", i+1, name)
		if Tab(i) == a.tab {
			tabs = append(tabs, activeTabStyle.Render(label))
		} else {
			tabs = append(tabs, tabStyle.Render(label))
		}
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, tabs...) + "\n")

	switch {
	case a.view == nil && a.loading:
		b.WriteString("\n  Loading...\n")
	case a.view == nil:
		b.WriteString("\n  " + helpStyle.Render("Waiting for daemon at "+a.client.BaseURL()) + "\n")
	case a.detail:
		b.WriteString(a.viewport.View() + "\n")
	default:
		b.WriteString(a.table.View() + "\n")
	}

	if a.message != "" {
		style := lipgloss.NewStyle().Foreground(successColor)
		if a.msgErr {
			style = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(style.Render(a.message))
	}
	b.WriteString("\n")

	b.WriteString(a.cmdbar.View())
	if a.sugg.IsVisible() {
		b.WriteString("\n" + a.sugg.Render(a.width))
	}
	b.WriteString("\n")

	status := fmt.Sprintf(" %s | ←→/1-5:tabs | ↑↓:nav | Enter:detail | ::command | r:refresh | q:quit", a.tab)
	if a.lastEvent != "" {
		status += " | last: " + a.lastEvent
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(status))
	return b.String()
}

func (a *App) fetchView() tea.Cmd {
	if a.view == nil {
		a.loading = true
	}
	return func() tea.Msg {
		v, err := a.client.View(activityWindow)
		if err != nil {
			return errMsg{err}
		}
		return viewLoadedMsg{v}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, _ := a.client.CheckHealth()
		return daemonStatusMsg{online: ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
