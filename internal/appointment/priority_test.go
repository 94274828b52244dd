package appointment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityTableLookup(t *testing.T) {
	table := NewPriorityTable(map[string]int{"Routine Checkup": 4, "dental": 3})

	tests := []struct {
		category string
		want     int
	}{
		{"emergency", 1},
		{"Chest Pain", 1},
		{"chest_pain", 1},
		{"  HIGH-FEVER ", 2},
		{"follow-up", 4},
		{"routine-checkup", 4},
		{"Dental", 3},
		{"unheard of", DefaultPriority},
		{"", DefaultPriority},
	}
	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			assert.Equal(t, tt.want, table.Lookup(tt.category))
		})
	}
}

func TestPriorityTableOverridesDoNotLeak(t *testing.T) {
	NewPriorityTable(map[string]int{"emergency": 5})
	assert.Equal(t, 1, NewPriorityTable(nil).Lookup("emergency"))
}
