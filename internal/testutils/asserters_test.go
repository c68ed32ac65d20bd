package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordingT captures failures instead of failing the enclosing test.
type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []JSONOption
		match    bool
	}{
		{
			name:     "extra keys ignored by default",
			actual:   `{"uuid": "2a19", "handle": 3, "value": "32"}`,
			expected: `{"uuid": "2a19"}`,
			match:    true,
		},
		{
			name:     "extra keys reported when strict",
			actual:   `{"uuid": "2a19", "handle": 3}`,
			expected: `{"uuid": "2a19"}`,
			opts:     []JSONOption{WithIgnoreExtraKeys(false)},
		},
		{
			name:     "presence placeholder matches any value",
			actual:   `{"address": "AA", "last_seen": "2026-01-01T00:00:00Z"}`,
			expected: `{"address": "AA", "last_seen": "<<PRESENCE>>"}`,
			match:    true,
		},
		{
			name:     "presence placeholder requires the key",
			actual:   `{"address": "AA"}`,
			expected: `{"address": "AA", "last_seen": "<<PRESENCE>>"}`,
		},
		{
			name:     "nested objects inside arrays",
			actual:   `[{"uuid": "180f", "characteristics": [{"uuid": "2a19", "handle": 3}]}]`,
			expected: `[{"uuid": "180f", "characteristics": [{"uuid": "2a19"}]}]`,
			match:    true,
		},
		{
			name:     "ignored fields",
			actual:   `{"uuid": "2a19", "rssi": -40}`,
			expected: `{"uuid": "2a19", "rssi": -70}`,
			opts:     []JSONOption{WithIgnoredFields("rssi")},
			match:    true,
		},
		{
			name:     "value mismatch",
			actual:   `{"value": "32"}`,
			expected: `{"value": "33"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			NewJSONAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			if tt.match {
				assert.Empty(t, rec.errors, "documents MUST match")
			} else {
				assert.Len(t, rec.errors, 1, "mismatch MUST be reported once")
			}
		})
	}
}

func TestJSONAsserterInvalidInput(t *testing.T) {
	diff := NewJSONAsserter(&recordingT{}).Diff(`{"a":`, `{}`)
	assert.Contains(t, diff, "invalid actual JSON")
}

func TestTextAsserter(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []TextOption
		match    bool
	}{
		{
			name:     "surrounding whitespace trimmed by default",
			actual:   "  battery\t50  \nwrote\n",
			expected: "battery\t50\nwrote",
			match:    true,
		},
		{
			name:     "whitespace kept when trimming is off",
			actual:   "  battery\n",
			expected: "battery\n",
			opts:     []TextOption{WithTrimSpace(false)},
		},
		{
			name:     "empty lines ignored on request",
			actual:   "a\n\n\nb\n",
			expected: "a\nb\n",
			opts:     []TextOption{WithIgnoreEmptyLines(true)},
			match:    true,
		},
		{
			name:     "CRLF normalized",
			actual:   "a\r\nb\r\n",
			expected: "a\nb\n",
			match:    true,
		},
		{
			name:     "different lines",
			actual:   "a\nc\n",
			expected: "a\nb\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			NewTextAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			if tt.match {
				assert.Empty(t, rec.errors)
			} else {
				assert.Len(t, rec.errors, 1)
			}
		})
	}
}

func TestTextAsserterDiff(t *testing.T) {
	diff := NewTextAsserter(&recordingT{}).Diff("a\nc\n", "a\nb\n")

	assert.Contains(t, diff, "--- expected")
	assert.Contains(t, diff, "-b")
	assert.Contains(t, diff, "+c")

	colored := NewTextAsserter(&recordingT{}).WithOptions(WithColors(true)).Diff("a\nc\n", "a\nb\n")
	assert.Contains(t, colored, "\x1b[", "colored diff MUST contain ANSI escapes")
}
