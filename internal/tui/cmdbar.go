package tui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/lockwarden/internal/locks"
	"github.com/fentz26/lockwarden/internal/models"
	"github.com/fentz26/lockwarden/internal/tasks"
)

var (
	cmdBarStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
)

// CmdBarModel manages the command input bar
type CmdBarModel struct {
	input   textinput.Model
	focused bool
}

// NewCmdBarModel creates a new command bar
func NewCmdBarModel() *CmdBarModel {
	ti := textinput.New()
	ti.Placeholder = "lock <agent> <resource> | release <agent> <lock> | resolve <conflict> grant"
	ti.CharLimit = 256
	ti.Prompt = ""
	return &CmdBarModel{input: ti}
}

// Focused reports whether the bar is capturing keys.
func (m *CmdBarModel) Focused() bool { return m.focused }

// Focus focuses the command bar
func (m *CmdBarModel) Focus() tea.Cmd {
	m.focused = true
	return m.input.Focus()
}

// Blur unfocuses the command bar
func (m *CmdBarModel) Blur() {
	m.focused = false
	m.input.Blur()
	m.input.SetValue("")
}

// Value returns the text typed so far.
func (m *CmdBarModel) Value() string { return m.input.Value() }

// SetValue replaces the typed text and moves the cursor to the end.
func (m *CmdBarModel) SetValue(s string) {
	m.input.SetValue(s)
	m.input.CursorEnd()
}

// SetWidth resizes the input.
func (m *CmdBarModel) SetWidth(w int) { m.input.Width = w }

// Submit returns the current input and blurs
func (m *CmdBarModel) Submit() string {
	val := strings.TrimSpace(m.input.Value())
	m.Blur()
	return val
}

// Update passes a message to the input.
func (m *CmdBarModel) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return cmd
}

// View renders the command bar
func (m *CmdBarModel) View() string {
	if m.focused {
		return cmdBarStyle.Render(promptStyle.Render(": ") + m.input.View())
	}
	return cmdBarStyle.BorderForeground(mutedColor).Render(helpStyle.Render("Press : to enter a command"))
}

// Execute runs one command line against the daemon. resolve expands an id
// prefix (as shown in the tables) to the full id.
func Execute(client *Client, input string, resolve func(string) string) tea.Cmd {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}
	cmd := parts[0]
	args := parts[1:]
	for i, a := range args {
		args[i] = resolve(strings.TrimPrefix(a, "@"))
	}

	if cmd == "q" || cmd == "quit" || cmd == "exit" {
		return tea.Quit
	}

	return func() tea.Msg {
		msg, err := run(client, cmd, args)
		if err != nil {
			return cmdResultMsg{message: "Error: " + err.Error(), err: true}
		}
		return cmdResultMsg{message: msg}
	}
}

var errUsage = errors.New("usage")

func run(client *Client, cmd string, args []string) (string, error) {
	switch cmd {
	case "lock":
		if len(args) < 2 {
			return "", fmt.Errorf("%w: lock <agent> <resource> [read|write|exclusive]", errUsage)
		}
		level := models.LockLevelWrite
		if len(args) > 2 {
			level = models.LockLevel(args[2])
		}
		res, err := client.RequestLock(args[0], args[1], level)
		if err != nil {
			return "", err
		}
		switch res.Outcome {
		case locks.OutcomeGranted:
			return fmt.Sprintf("✓ Granted %s on %s", short(res.Lock.ID), res.Lock.ResourceID), nil
		case locks.OutcomeQueued:
			return fmt.Sprintf("◌ Queued %s behind %d lock(s)", short(res.Lock.ID), len(res.Blockers)), nil
		default:
			return "", fmt.Errorf("denied: %s", res.Reason)
		}

	case "release":
		if len(args) < 2 {
			return "", fmt.Errorf("%w: release <agent> <lock>", errUsage)
		}
		res, err := client.ReleaseLock(args[0], args[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("✓ Released %s (%d promoted)", short(res.Lock.ID), len(res.Promoted)), nil

	case "renew":
		if len(args) < 2 {
			return "", fmt.Errorf("%w: renew <agent> <lock> [seconds]", errUsage)
		}
		var extra time.Duration
		if len(args) > 2 {
			n, err := strconv.Atoi(args[2])
			if err != nil {
				return "", fmt.Errorf("invalid seconds %q", args[2])
			}
			extra = time.Duration(n) * time.Second
		}
		l, err := client.RenewLock(args[0], args[1], extra)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("✓ Renewed %s", short(l.ID)), nil

	case "task":
		if len(args) < 2 {
			return "", fmt.Errorf("%w: task <type> <res,res> [description]", errUsage)
		}
		t, err := client.SubmitTask(args[0], strings.Join(args[2:], " "), strings.Split(args[1], ","))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("✓ Created task %s", short(t.ID)), nil

	case "assign":
		if len(args) < 2 {
			return "", fmt.Errorf("%w: assign <task> <agent,agent>", errUsage)
		}
		t, err := client.AssignTask(args[0], strings.Split(args[1], ","))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("✓ Assigned %s to %s", short(t.ID), strings.Join(t.AssignedTo, ",")), nil

	case "start":
		if len(args) < 1 {
			return "", fmt.Errorf("%w: start <task>", errUsage)
		}
		res, err := client.StartTask(args[0])
		if err != nil {
			return "", err
		}
		if res.Status == tasks.StartStarted {
			return fmt.Sprintf("✓ Started %s", short(res.Task.ID)), nil
		}
		return fmt.Sprintf("◌ Blocked: deps=%v waiting=%v denied=%v", res.Dependencies, res.Waiting, res.Denied), nil

	case "done":
		if len(args) < 1 {
			return "", fmt.Errorf("%w: done <task> [failed]", errUsage)
		}
		status := models.TaskStatusCompleted
		if len(args) > 1 && args[1] == "failed" {
			status = models.TaskStatusFailed
		}
		t, err := client.CompleteTask(args[0], status, "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("✓ Task %s %s", short(t.ID), t.Status), nil

	case "dispatch":
		started, err := client.Dispatch()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("✓ Dispatched %d task(s)", len(started)), nil

	case "resolve":
		if len(args) < 2 {
			return "", fmt.Errorf("%w: resolve <conflict> grant|abort|dismiss [note]", errUsage)
		}
		c, err := client.ResolveConflict(args[0], args[1], strings.Join(args[2:], " "))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("✓ Conflict %s: %s", short(c.ID), c.Resolution), nil

	case "queue":
		if len(args) < 1 {
			return "", fmt.Errorf("%w: queue <resource>", errUsage)
		}
		q, err := client.Queue(args[0])
		if err != nil {
			return "", err
		}
		if len(q) == 0 {
			return "Queue is empty", nil
		}
		order := make([]string, len(q))
		for i, l := range q {
			order[i] = fmt.Sprintf("%s(%s)", l.AgentID, short(l.ID))
		}
		return "Queue: " + strings.Join(order, " → "), nil

	default:
		return "", fmt.Errorf("unknown command %q (try: lock, release, task, start, resolve)", cmd)
	}
}
