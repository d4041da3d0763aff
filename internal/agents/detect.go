package agents

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Candidate is a locally installed coding tool that could register as an
// agent.
type Candidate struct {
	ID           string   `json:"agent_id"`
	Name         string   `json:"name"`
	Path         string   `json:"path"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities"`
	Confirmed    bool     `json:"confirmed"` // an executable was found, not just a config dir
}

// tool describes how to find one coding agent install.
type tool struct {
	id, name     string
	commands     []string
	paths        []string // relative paths are resolved against $HOME
	configDir    string
	versionFlag  string
	capabilities []string
	requireExt   string // substring of a ~/.vscode/extensions entry
}

var knownTools = []tool{
	{id: "claude-cli", name: "Claude CLI", commands: []string{"claude"}, configDir: ".claude", versionFlag: "--version",
		capabilities: []string{"go", "python", "typescript", "refactor", "review", "tests"}},
	{id: "aider", name: "Aider", commands: []string{"aider"}, versionFlag: "--version",
		capabilities: []string{"python", "refactor", "tests"}},
	{id: "gemini-cli", name: "Gemini CLI", commands: []string{"gemini"}, configDir: ".gemini",
		capabilities: []string{"go", "python", "docs"}},
	{id: "cursor", name: "Cursor", commands: []string{"cursor"},
		paths:        []string{"/usr/bin/cursor", "/usr/local/bin/cursor", ".local/bin/cursor", "/Applications/Cursor.app"},
		capabilities: []string{"typescript", "frontend", "refactor"}},
	{id: "windsurf", name: "Windsurf", commands: []string{"windsurf"},
		paths:        []string{"/usr/bin/windsurf", "/usr/local/bin/windsurf", ".local/bin/windsurf", "/Applications/Windsurf.app"},
		capabilities: []string{"typescript", "frontend"}},
	{id: "zed", name: "Zed", commands: []string{"zed"},
		paths:        []string{"/usr/bin/zed", "/usr/local/bin/zed", ".local/bin/zed", "/Applications/Zed.app"},
		capabilities: []string{"rust", "go"}},
	{id: "vscode-copilot", name: "VS Code + Copilot", commands: []string{"code"}, requireExt: "github.copilot",
		capabilities: []string{"typescript", "docs"}},
}

// Scanner finds installed coding tools. The lookup functions are fields so
// scans can run against a fake filesystem.
type Scanner struct {
	Home     string
	LookPath func(string) (string, error)
	Exists   func(string) bool
	ReadDir  func(string) ([]os.DirEntry, error)
	Version  func(ctx context.Context, path, flag string) string
}

// NewScanner returns a Scanner bound to the local machine.
func NewScanner() *Scanner {
	home, _ := os.UserHomeDir()
	return &Scanner{
		Home:     home,
		LookPath: exec.LookPath,
		Exists: func(p string) bool {
			_, err := os.Stat(p)
			return err == nil
		},
		ReadDir: os.ReadDir,
		Version: commandVersion,
	}
}

// Scan returns every tool found, in knownTools order.
func (s *Scanner) Scan(ctx context.Context) []Candidate {
	var out []Candidate
	for _, p := range knownTools {
		if c, ok := s.detect(ctx, p); ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *Scanner) detect(ctx context.Context, p tool) (Candidate, bool) {
	c := Candidate{ID: p.id, Name: p.name, Capabilities: append([]string(nil), p.capabilities...)}
	for _, cmd := range p.commands {
		if path, err := s.LookPath(cmd); err == nil {
			c.Path, c.Confirmed = path, true
			break
		}
	}
	if c.Path == "" {
		for _, raw := range p.paths {
			if path := s.resolve(raw); s.Exists(path) {
				c.Path, c.Confirmed = path, true
				break
			}
		}
	}
	if c.Path == "" && p.configDir != "" {
		if dir := s.resolve(p.configDir); s.Exists(dir) {
			c.Path = dir
		}
	}
	if c.Path == "" {
		return Candidate{}, false
	}
	if p.requireExt != "" && !s.hasExtension(p.requireExt) {
		return Candidate{}, false
	}
	if c.Confirmed && p.versionFlag != "" && s.Version != nil {
		c.Version = s.Version(ctx, c.Path, p.versionFlag)
	}
	return c, true
}

func (s *Scanner) resolve(p string) string {
	if filepath.IsAbs(p) || s.Home == "" {
		return p
	}
	return filepath.Join(s.Home, p)
}

func (s *Scanner) hasExtension(substr string) bool {
	entries, err := s.ReadDir(s.resolve(".vscode/extensions"))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), substr) {
			return true
		}
	}
	return false
}

func commandVersion(ctx context.Context, path, flag string) string {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, flag).Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	if i := strings.IndexByte(version, '\n'); i > 0 {
		version = version[:i]
	}
	if len(version) > 30 {
		version = version[:30]
	}
	return version
}
