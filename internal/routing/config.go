// Package routing infers the capabilities a task needs from keyword,
// pattern and file-extension rules.
package routing

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config holds the inference rules.
type Config struct {
	// Enabled toggles inference; a disabled router infers nothing.
	Enabled bool `yaml:"enabled" json:"enabled"`
	// MaxCapabilities caps how many tags one task may require.
	MaxCapabilities int `yaml:"max_capabilities" json:"max_capabilities"`
	// Priority orders tags when the cap trims the list (higher first).
	Priority map[string]int `yaml:"priority" json:"priority"`
	// Groups are named bundles of tags usable in Enable lists.
	Groups map[string][]string `yaml:"groups" json:"groups"`
	// AlwaysOn tags are required by every task.
	AlwaysOn []string `yaml:"always_on" json:"always_on"`
	// AlwaysOff tags are never inferred.
	AlwaysOff []string `yaml:"always_off" json:"always_off"`
	Rules     []Rule   `yaml:"rules" json:"rules"`
}

// Rule enables tags when any of its matchers hits.
type Rule struct {
	Keywords   []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Extensions []string `yaml:"extensions,omitempty" json:"extensions,omitempty"`
	Pattern    string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Enable     []string `yaml:"enable" json:"enable"`
}

// DefaultConfig returns the built-in rules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		MaxCapabilities: 4,
		Priority: map[string]int{
			"go":         90,
			"python":     90,
			"typescript": 90,
			"rust":       90,
			"tests":      70,
			"refactor":   60,
			"frontend":   50,
			"docs":       40,
			"review":     30,
		},
		Groups: map[string][]string{
			"web": {"typescript", "frontend"},
		},
		Rules: []Rule{
			{Extensions: []string{".go"}, Enable: []string{"go"}},
			{Extensions: []string{".py"}, Enable: []string{"python"}},
			{Extensions: []string{".ts", ".tsx", ".js", ".jsx"}, Enable: []string{"typescript"}},
			{Extensions: []string{".rs"}, Enable: []string{"rust"}},
			{Extensions: []string{".css", ".html", ".vue", ".svelte"}, Enable: []string{"web"}},
			{Extensions: []string{".md", ".rst"}, Enable: []string{"docs"}},
			{Keywords: []string{"test", "tests", "coverage"}, Pattern: `_test\.go|test_\w+\.py`, Enable: []string{"tests"}},
			{Keywords: []string{"refactor", "rename", "extract", "cleanup"}, Enable: []string{"refactor"}},
			{Keywords: []string{"review", "audit"}, Enable: []string{"review"}},
			{Keywords: []string{"docs", "documentation", "readme"}, Enable: []string{"docs"}},
		},
	}
}

// LoadConfig reads rules from a YAML file. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading routing rules: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing routing rules: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routing rules: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes rules to a YAML file, creating parent directories.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating rules dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling routing rules: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing routing rules: %w", err)
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.MaxCapabilities < 1 {
		return fmt.Errorf("max_capabilities must be at least 1")
	}
	for i, r := range c.Rules {
		if len(r.Enable) == 0 {
			return fmt.Errorf("rule %d enables nothing", i)
		}
		if len(r.Keywords) == 0 && len(r.Extensions) == 0 && r.Pattern == "" {
			return fmt.Errorf("rule %d has no matcher", i)
		}
		if r.Pattern != "" {
			if _, err := regexp.Compile(r.Pattern); err != nil {
				return fmt.Errorf("rule %d pattern: %w", i, err)
			}
		}
	}
	return nil
}

// GetPriority returns the ordering weight of a tag.
func (c *Config) GetPriority(tag string) int {
	if p, ok := c.Priority[tag]; ok {
		return p
	}
	return 50
}

// IsAlwaysOff reports whether a tag is suppressed.
func (c *Config) IsAlwaysOff(tag string) bool {
	for _, n := range c.AlwaysOff {
		if n == tag {
			return true
		}
	}
	return false
}

// ExpandGroup expands a group name to its member tags.
func (c *Config) ExpandGroup(name string) []string {
	if members, ok := c.Groups[name]; ok {
		return members
	}
	return []string{name}
}
