package tui

import (
	"time"

	"github.com/fentz26/lockwarden/internal/controlplane"
)

// Tab is one of the dashboard panels.
type Tab int

const (
	TabLocks Tab = iota
	TabAgents
	TabTasks
	TabConflicts
	TabActivity
)

var tabNames = []string{"Locks", "Agents", "Tasks", "Conflicts", "Activity"}

func (t Tab) String() string {
	if int(t) < len(tabNames) {
		return tabNames[t]
	}
	return "?"
}

type viewLoadedMsg struct {
	view *controlplane.View
}

type daemonStatusMsg struct {
	online bool
}

type cmdResultMsg struct {
	message string
	err     bool
}

type errMsg struct {
	err error
}

type tickMsg time.Time
