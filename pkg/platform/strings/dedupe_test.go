package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty", input: "", expected: nil},
		{name: "blank", input: "  ", expected: nil},
		{name: "single broker", input: "kafka:9092", expected: []string{"kafka:9092"}},
		{
			name:     "trims, drops empties and repeats",
			input:    " kafka-1:9092, kafka-2:9092,,kafka-1:9092 ",
			expected: []string{"kafka-1:9092", "kafka-2:9092"},
		},
		{name: "only separators", input: ",,", expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SplitList(tt.input))
		})
	}
}

func TestDedupe(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, Dedupe(nil, true))
	})

	t.Run("preserves case without folding", func(t *testing.T) {
		assert.Equal(t, []string{"Edit", "edit"}, Dedupe([]string{"Edit", " edit ", "edit"}, false))
	})

	t.Run("folds case", func(t *testing.T) {
		assert.Equal(t, []string{"edit", "audit"}, Dedupe([]string{"Edit", "AUDIT", "edit", ""}, true))
	})
}
