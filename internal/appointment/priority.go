package appointment

import (
	"strings"
)

const (
	UrgentPriority  = 1
	DefaultPriority = 5
)

// defaultReasonPriorities maps intake reason categories to urgency ranks.
// Lower is more urgent.
var defaultReasonPriorities = map[string]int{
	"emergency":            1,
	"chest-pain":           1,
	"breathing-difficulty": 1,
	"severe-bleeding":      1,
	"severe-pain":          2,
	"high-fever":           2,
	"injury":               2,
	"infection":            3,
	"chronic-condition":    3,
	"mental-health":        3,
	"follow-up":            4,
	"prescription-refill":  4,
	"lab-results":          4,
	"routine-checkup":      5,
	"consultation":         5,
	"vaccination":          5,
}

// PriorityTable resolves reason categories. It is built once at startup and
// never mutated afterwards.
type PriorityTable struct {
	ranks map[string]int
}

// NewPriorityTable merges overrides (already range-checked by config.Load)
// over the built-in categories.
func NewPriorityTable(overrides map[string]int) PriorityTable {
	ranks := make(map[string]int, len(defaultReasonPriorities)+len(overrides))
	for k, v := range defaultReasonPriorities {
		ranks[k] = v
	}
	for k, v := range overrides {
		ranks[NormalizeReason(k)] = v
	}
	return PriorityTable{ranks: ranks}
}

// Lookup returns the rank for a category, DefaultPriority when unknown.
func (t PriorityTable) Lookup(category string) int {
	if p, ok := t.ranks[NormalizeReason(category)]; ok {
		return p
	}
	return DefaultPriority
}

// NormalizeReason lowercases and hyphenates free-form categories so
// "Chest Pain" and "chest_pain" hit the same entry.
func NormalizeReason(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	c = strings.NewReplacer(" ", "-", "_", "-").Replace(c)
	return c
}
