package spoof

import (
	"sync"

	"voicegate/internal/scoring"
)

// entry is one registered ensemble member. Availability is a property of the
// registry entry, not of the scorer implementation.
type entry struct {
	name      string
	scorer    scoring.SpoofScorer
	weight    float64
	available bool
}

// Ensemble is the registry of spoof scorers discovered at startup. Members can
// be marked unavailable at runtime (e.g. when a model backend is down) without
// re-registering.
type Ensemble struct {
	mu      sync.RWMutex
	entries []entry
}

// NewEnsemble returns an empty scorer registry.
func NewEnsemble() *Ensemble {
	return &Ensemble{}
}

// Register adds a scorer with the given fusion weight and marks it available.
// A non-positive weight is treated as 1 (equal weighting). Registering a name
// twice replaces the earlier entry.
func (e *Ensemble) Register(scorer scoring.SpoofScorer, weight float64) {
	if scorer == nil {
		return
	}
	if weight <= 0 {
		weight = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.entries {
		if e.entries[i].name == scorer.Name() {
			e.entries[i] = entry{name: scorer.Name(), scorer: scorer, weight: weight, available: true}
			return
		}
	}
	e.entries = append(e.entries, entry{name: scorer.Name(), scorer: scorer, weight: weight, available: true})
}

// SetAvailable marks the named scorer available or unavailable. Unknown names
// are ignored.
func (e *Ensemble) SetAvailable(name string, available bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.entries {
		if e.entries[i].name == name {
			e.entries[i].available = available
			return
		}
	}
}

// available returns a snapshot of the currently available members.
func (e *Ensemble) available() []entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]entry, 0, len(e.entries))
	for _, en := range e.entries {
		if en.available {
			out = append(out, en)
		}
	}
	return out
}

// AvailableNames returns the names of the currently available members, in
// registration order.
func (e *Ensemble) AvailableNames() []string {
	avail := e.available()
	names := make([]string, len(avail))
	for i, en := range avail {
		names[i] = en.name
	}
	return names
}
