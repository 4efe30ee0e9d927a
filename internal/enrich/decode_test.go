package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"json fence", "```json\n[1]\n```", "[1]"},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"no fence", "  [1]  ", "[1]"},
		{"fence without newline", "```json[1]```", "[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripFences(tt.in))
		})
	}
}

func TestDecodeEntries(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		words []string
	}{
		{"bare array", `[{"word":"a","tags":["x"]},{"word":"b"}]`, []string{"a", "b"}},
		{"fenced array", "```json\n[{\"word\":\"a\"}]\n```", []string{"a"}},
		{"items wrapper", `{"items":[{"word":"a"}]}`, []string{"a"}},
		{"results wrapper", `{"results":[{"word":"b"}]}`, []string{"b"}},
		{"prose around array", "Here is the result:\n[{\"word\":\"a\"}]\nHope this helps.", []string{"a"}},
		{"empty array", `[]`, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := decodeEntries[classifyEntry](tt.in)
			require.NoError(t, err)
			got := make([]string, len(entries))
			for i, e := range entries {
				got[i] = e.Word
			}
			assert.Equal(t, tt.words, got)
		})
	}
}

func TestDecodeEntries_FailsClosed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", "   "},
		{"not json", "I cannot help with that."},
		{"array of strings", `["a","b"]`},
		{"tags not a list", `[{"word":"a","tags":"finance"}]`},
		{"object without items", `{"word":"a"}`},
		{"null", `null`},
		{"truncated", `[{"word":"a"},{"word":`},
		{"trailing data", `[{"word":"a"}] [{"word":"b"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEntries[classifyEntry](tt.in)
			assert.Error(t, err)
		})
	}
}
