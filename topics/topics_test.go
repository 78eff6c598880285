package topics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		// Exact literals
		{"a", "a", true},
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
		{"a", "a/b", false},
		{"a/b", "a", false},

		// Single-level wildcard
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/b/c", false},
		{"+", "a", true},
		{"+/b", "a/b", true},
		{"a/+", "a/b", true},
		{"a/+", "a", false},
		{"a/+", "a/b/c", false},
		{"+/+", "a/b", true},

		// Multi-level wildcard
		{"#", "a", true},
		{"#", "a/b/c", true},
		{"a/#", "a/b/c", true},
		{"a/#", "a/b", true},
		{"a/#", "a", true},
		{"a/#", "b/c", false},
		{"a/b/#", "a/b", true},
		{"a/b/#", "a/b/c/d", true},
		{"a/b/#", "a/c", false},

		// Mixed
		{"svc/+/ping", "svc/42/ping", true},
		{"svc/+/ping", "svc/42/43/ping", false},
		{"a/+/#", "a/b", true},
		{"a/+/#", "a/b/c/d", true},
		{"a/+/#", "a", false},

		// Empty levels are ordinary levels
		{"a//b", "a//b", true},
		{"a/+/b", "a//b", true},
	}

	for _, tt := range tests {
		t.Run(tt.filter+" vs "+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.filter, tt.topic),
				"Match(%q, %q)", tt.filter, tt.topic)
		})
	}
}

func TestValidateFilter(t *testing.T) {
	t.Run("accepts literals and well placed wildcards", func(t *testing.T) {
		for _, f := range []string{"a", "a/b/c", "+", "a/+/c", "#", "a/#", "a/+/#"} {
			assert.NoError(t, ValidateFilter(f), "filter %q", f)
		}
	})

	t.Run("rejects empty filter", func(t *testing.T) {
		assert.Error(t, ValidateFilter(""))
	})

	t.Run("rejects wildcards embedded in a level", func(t *testing.T) {
		assert.Error(t, ValidateFilter("a/b+/c"))
		assert.Error(t, ValidateFilter("a/#b"))
		assert.Error(t, ValidateFilter("a+/b"))
	})

	t.Run("rejects multi-level wildcard before the end", func(t *testing.T) {
		assert.Error(t, ValidateFilter("a/#/b"))
		assert.Error(t, ValidateFilter("#/a"))
	})

	t.Run("rejects null bytes", func(t *testing.T) {
		assert.Error(t, ValidateFilter("a/\x00/b"))
	})
}

func TestValidateName(t *testing.T) {
	t.Run("accepts concrete topics", func(t *testing.T) {
		assert.NoError(t, ValidateName("a"))
		assert.NoError(t, ValidateName("svc/42/ping"))
	})

	t.Run("rejects empty and wildcard topics", func(t *testing.T) {
		assert.Error(t, ValidateName(""))
		assert.Error(t, ValidateName("a/+/c"))
		assert.Error(t, ValidateName("a/#"))
	})
}
