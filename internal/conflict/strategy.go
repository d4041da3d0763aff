package conflict

import (
	"fmt"
	"strings"

	"github.com/fentz26/lockwarden/internal/locks"
	"github.com/fentz26/lockwarden/internal/models"
	"github.com/fentz26/lockwarden/internal/resource"
)

// Metadata keys understood by the built-in strategies and predicates.
const (
	MetaEdit      = "edit"
	MetaFootprint = "footprint"
	MetaSymbols   = "symbols"

	EditAdditive = "additive"
)

// Situation is what a Strategy sees: the contended request, the blockers
// held by other agents and the conflict record being raised.
type Situation struct {
	Contention locks.Contention
	Conflict   models.Conflict
}

// Strategy resolves a resource-overlap conflict at request time. Resolve
// runs inside the Lock Manager's critical section and must not call it.
type Strategy interface {
	Name() models.Strategy
	Resolve(s *Situation) locks.Decision
}

// IntentPredicate reports whether two locks declare compatible intents.
type IntentPredicate func(request, holder models.Lock) bool

// SemanticPredicate reports whether two locks on physically disjoint
// resources still touch the same code.
type SemanticPredicate func(a, b models.Lock) bool

// AdditiveEdits is the default IntentPredicate: both locks declare
// edit=additive.
func AdditiveEdits(request, holder models.Lock) bool {
	return request.Metadata[MetaEdit] == EditAdditive && holder.Metadata[MetaEdit] == EditAdditive
}

// SharedSymbols is the default SemanticPredicate: the comma-separated
// symbols metadata of both locks intersect.
func SharedSymbols(a, b models.Lock) bool {
	left := splitList(a.Metadata[MetaSymbols])
	if len(left) == 0 {
		return false
	}
	seen := make(map[string]bool, len(left))
	for _, s := range left {
		seen[s] = true
	}
	for _, s := range splitList(b.Metadata[MetaSymbols]) {
		if seen[s] {
			return true
		}
	}
	return false
}

type waitStrategy struct{}

func (waitStrategy) Name() models.Strategy { return models.StrategyWait }

func (waitStrategy) Resolve(*Situation) locks.Decision {
	return locks.Decision{Action: locks.ActionQueue}
}

type abortStrategy struct{}

func (abortStrategy) Name() models.Strategy { return models.StrategyAbort }

func (abortStrategy) Resolve(*Situation) locks.Decision {
	return locks.Decision{Action: locks.ActionDeny, Note: "aborted by strategy"}
}

type negotiateStrategy struct{}

func (negotiateStrategy) Name() models.Strategy { return models.StrategyNegotiate }

func (negotiateStrategy) Resolve(*Situation) locks.Decision {
	return locks.Decision{Action: locks.ActionHold, Note: "awaiting negotiated decision"}
}

// mergeStrategy splits a coarse holder lock into the finer regions the
// holder declared in its footprint, when intents allow it.
type mergeStrategy struct {
	compatible IntentPredicate
}

// NewMergeStrategy returns the merge strategy using the given intent
// predicate, or AdditiveEdits when nil.
func NewMergeStrategy(p IntentPredicate) Strategy {
	if p == nil {
		p = AdditiveEdits
	}
	return &mergeStrategy{compatible: p}
}

func (m *mergeStrategy) Name() models.Strategy { return models.StrategyMerge }

func (m *mergeStrategy) Resolve(s *Situation) locks.Decision {
	req := s.Contention.Request
	reqKey, err := resource.Parse(req.ResourceID)
	if err != nil {
		return locks.Decision{Action: locks.ActionQueue, Note: "merge not possible: " + err.Error()}
	}
	var splits []locks.Split
	for _, b := range s.Contention.Blockers {
		keys, why := m.footprint(req, reqKey, b.Lock)
		if why != "" {
			return locks.Decision{Action: locks.ActionQueue, Note: "merge not possible: " + why + "; waiting"}
		}
		splits = append(splits, locks.Split{LockID: b.Lock.ID, Keys: keys})
	}
	return locks.Decision{Action: locks.ActionSplit, Splits: splits, Note: "merged disjoint additive edits"}
}

func (m *mergeStrategy) footprint(req models.Lock, reqKey resource.Key, holder models.Lock) ([]string, string) {
	if !m.compatible(req, holder) {
		return nil, fmt.Sprintf("intents of %s and %s are not compatible", req.AgentID, holder.AgentID)
	}
	holderKey, err := resource.Parse(holder.ResourceID)
	if err != nil {
		return nil, err.Error()
	}
	raw := splitList(holder.Metadata[MetaFootprint])
	if len(raw) == 0 {
		return nil, fmt.Sprintf("%s declared no footprint", holder.AgentID)
	}
	keys := make([]string, 0, len(raw))
	for _, r := range raw {
		k, err := resource.Parse(r)
		if err != nil {
			return nil, fmt.Sprintf("bad footprint %q", r)
		}
		if !resource.Contains(holderKey, k) || k.String() == holderKey.String() {
			return nil, fmt.Sprintf("footprint %s is not inside %s", k, holderKey)
		}
		if resource.Overlap(k, reqKey) != resource.ExtentNone {
			return nil, fmt.Sprintf("footprint %s overlaps %s", k, reqKey)
		}
		keys = append(keys, k.String())
	}
	return keys, ""
}

// Severity grades an overlap between a request and one holder.
// Read/read never conflicts and grades low.
func Severity(request, holder models.LockLevel, ext resource.Extent) models.Severity {
	switch {
	case request.Mutating() && holder.Mutating():
		return models.SeverityHigh
	case request.Mutating() || holder.Mutating():
		if ext == resource.ExtentPartial {
			return models.SeverityLow
		}
		return models.SeverityMedium
	}
	return models.SeverityLow
}

func maxSeverity(a, b models.Severity) models.Severity {
	rank := map[models.Severity]int{models.SeverityLow: 1, models.SeverityMedium: 2, models.SeverityHigh: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func suggestion(name models.Strategy) string {
	switch name {
	case models.StrategyAbort:
		return "later request aborted; retry after the holder releases"
	case models.StrategyMerge:
		return "split the coarse lock into disjoint regions"
	case models.StrategyNegotiate:
		return "decide between the parties: grant or abort the held request"
	}
	return "wait for the holder to release or its lease to expire"
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
