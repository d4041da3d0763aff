package routing

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fentz26/lockwarden/internal/resource"
)

// Task is the input to inference.
type Task struct {
	TaskType    string   `json:"task_type"`
	Description string   `json:"description"`
	Resources   []string `json:"resources"`
}

// Result is an inference decision.
type Result struct {
	Task         Task     `json:"task"`
	Capabilities []string `json:"capabilities"`
	MatchedRules []string `json:"matched_rules"`
	Trimmed      []string `json:"trimmed,omitempty"` // dropped by max_capabilities
}

// Router applies a Config. It is safe for concurrent use and its rules can
// be swapped on reload.
type Router struct {
	mu       sync.RWMutex
	config   *Config
	patterns []*regexp.Regexp
}

// NewRouter creates a router. A nil config selects the defaults.
func NewRouter(cfg *Config) *Router {
	r := &Router{}
	r.SetConfig(cfg)
	return r
}

// SetConfig replaces the rules. Invalid patterns never match.
func (r *Router) SetConfig(cfg *Config) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	patterns := make([]*regexp.Regexp, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		if rule.Pattern != "" {
			patterns[i], _ = regexp.Compile(rule.Pattern)
		}
	}
	r.mu.Lock()
	r.config, r.patterns = cfg, patterns
	r.mu.Unlock()
}

// Config returns the active rules.
func (r *Router) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// Route infers the capability tags a task requires.
func (r *Router) Route(task Task) Result {
	r.mu.RLock()
	cfg, patterns := r.config, r.patterns
	r.mu.RUnlock()

	res := Result{Task: task, Capabilities: []string{}, MatchedRules: []string{}}
	if !cfg.Enabled {
		return res
	}

	text := strings.ToLower(task.TaskType + " " + task.Description)
	paths := resourcePaths(task.Resources)
	exts := make(map[string]bool)
	for _, p := range paths {
		if ext := strings.ToLower(path.Ext(p)); ext != "" {
			exts[ext] = true
		}
	}

	matched := make(map[string]bool)
	for _, tag := range cfg.AlwaysOn {
		if !cfg.IsAlwaysOff(tag) {
			matched[tag] = true
		}
	}
	for i, rule := range cfg.Rules {
		name, ok := matchRule(rule, patterns[i], text, paths, exts)
		if !ok {
			continue
		}
		res.MatchedRules = append(res.MatchedRules, name)
		for _, enable := range rule.Enable {
			for _, tag := range cfg.ExpandGroup(enable) {
				if !cfg.IsAlwaysOff(tag) {
					matched[strings.ToLower(tag)] = true
				}
			}
		}
	}

	tags := make([]string, 0, len(matched))
	for tag := range matched {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		pi, pj := cfg.GetPriority(tags[i]), cfg.GetPriority(tags[j])
		if pi != pj {
			return pi > pj
		}
		return tags[i] < tags[j]
	})
	if len(tags) > cfg.MaxCapabilities {
		res.Trimmed = tags[cfg.MaxCapabilities:]
		tags = tags[:cfg.MaxCapabilities]
	}
	res.Capabilities = tags
	return res
}

// Infer returns only the tags. It satisfies the task coordinator's inferer.
func (r *Router) Infer(taskType, description string, resources []string) []string {
	return r.Route(Task{TaskType: taskType, Description: description, Resources: resources}).Capabilities
}

func matchRule(rule Rule, re *regexp.Regexp, text string, paths []string, exts map[string]bool) (string, bool) {
	for _, ext := range rule.Extensions {
		if exts[strings.ToLower(ext)] {
			return "ext:" + ext, true
		}
	}
	for _, kw := range rule.Keywords {
		if containsWord(text, strings.ToLower(kw)) {
			return "keyword:" + kw, true
		}
	}
	if re != nil {
		if re.MatchString(text) {
			return "pattern:" + rule.Pattern, true
		}
		for _, p := range paths {
			if re.MatchString(p) {
				return "pattern:" + rule.Pattern, true
			}
		}
	}
	return "", false
}

// containsWord checks if text contains keyword as a whole word. Multi-word
// keywords match as substrings.
func containsWord(text, keyword string) bool {
	if strings.Contains(keyword, " ") {
		return strings.Contains(text, keyword)
	}
	for _, word := range strings.Fields(text) {
		if strings.Trim(word, ".,;:!?\"'()[]{}") == keyword {
			return true
		}
	}
	return false
}

// resourcePaths extracts file paths from resource keys; semantic keys and
// malformed ones contribute nothing.
func resourcePaths(keys []string) []string {
	var out []string
	for _, raw := range keys {
		k, err := resource.Parse(raw)
		if err != nil || k.Kind == resource.KindSemantic {
			continue
		}
		out = append(out, k.Path)
	}
	return out
}
