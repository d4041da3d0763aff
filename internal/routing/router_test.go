package routing

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestRouter_Route(t *testing.T) {
	router := NewRouter(DefaultConfig())

	tests := []struct {
		name  string
		task  Task
		want  []string
		rules int
	}{
		{
			name: "go tests",
			task: Task{Description: "Add tests for the parser", Resources: []string{"file:internal/parse/parser.go"}},
			want: []string{"go", "tests"},
		},
		{
			name: "frontend refactor",
			task: Task{TaskType: "refactor", Resources: []string{"file:web/app.tsx", "file:web/app.css#L1-20"}},
			want: []string{"typescript", "refactor", "frontend"},
		},
		{
			name: "test file pattern",
			task: Task{Resources: []string{"func:pkg/lock_test.go#TestGrant"}},
			want: []string{"go", "tests"},
		},
		{
			name: "semantic only",
			task: Task{Description: "tighten the public API", Resources: []string{"semantic:public-api"}},
			want: []string{},
		},
		{
			name: "keyword needs whole word",
			task: Task{Description: "update the contest page"},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := router.Route(tt.task)
			if !reflect.DeepEqual(got.Capabilities, tt.want) {
				t.Errorf("Capabilities = %v, want %v (rules %v)", got.Capabilities, tt.want, got.MatchedRules)
			}
		})
	}
}

func TestRouter_MaxCapabilities(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCapabilities = 2
	router := NewRouter(cfg)

	got := router.Route(Task{
		Description: "refactor and review docs",
		Resources:   []string{"file:a.go", "file:b.py"},
	})
	if !reflect.DeepEqual(got.Capabilities, []string{"go", "python"}) {
		t.Errorf("Capabilities = %v, want [go python]", got.Capabilities)
	}
	if len(got.Trimmed) != 3 {
		t.Errorf("Trimmed = %v, want 3 tags", got.Trimmed)
	}
}

func TestRouter_AlwaysOnOff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlwaysOn = []string{"review"}
	cfg.AlwaysOff = []string{"tests"}
	router := NewRouter(cfg)

	got := router.Infer("", "fix tests", []string{"file:a.go"})
	if !reflect.DeepEqual(got, []string{"go", "review"}) {
		t.Errorf("Infer = %v, want [go review]", got)
	}

	cfg2 := DefaultConfig()
	cfg2.Enabled = false
	router.SetConfig(cfg2)
	if got := router.Infer("", "fix tests", []string{"file:a.go"}); len(got) != 0 {
		t.Errorf("disabled router inferred %v", got)
	}
}

func TestConfig_LoadSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "routing.yaml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig(missing) error = %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Error("missing file should yield defaults")
	}

	cfg.MaxCapabilities = 7
	cfg.Rules = append(cfg.Rules, Rule{Keywords: []string{"migration"}, Enable: []string{"sql"}})
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig error = %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error = %v", err)
	}
	if loaded.MaxCapabilities != 7 || len(loaded.Rules) != len(cfg.Rules) {
		t.Errorf("loaded = %+v", loaded)
	}
	if got := NewRouter(loaded).Infer("", "write the migration", nil); !reflect.DeepEqual(got, []string{"sql"}) {
		t.Errorf("custom rule inferred %v, want [sql]", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero cap", func(c *Config) { c.MaxCapabilities = 0 }},
		{"bad pattern", func(c *Config) { c.Rules = []Rule{{Pattern: "(", Enable: []string{"x"}}} }},
		{"no matcher", func(c *Config) { c.Rules = []Rule{{Enable: []string{"x"}}} }},
		{"enables nothing", func(c *Config) { c.Rules = []Rule{{Keywords: []string{"x"}}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("max_capabilities: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig accepted an invalid file")
	}
}
