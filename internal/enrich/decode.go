package enrich

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	openFence  = regexp.MustCompile("(?m)^```[a-zA-Z]*\\s*")
	closeFence = regexp.MustCompile("(?m)\\s*```\\s*$")
)

// stripFences removes markdown code fences around a JSON payload.
func stripFences(text string) string {
	text = openFence.ReplaceAllString(text, "")
	text = closeFence.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

type classifyEntry struct {
	Word string   `json:"word"`
	Tags []string `json:"tags"`
}

type translateEntry struct {
	Word            string `json:"word"`
	Definition      string `json:"definition"`
	Phonetic        string `json:"phonetic"`
	Context         string `json:"context"`
	ContextSentence string `json:"context_sentence"`
}

func (e translateEntry) sentence() string {
	if e.Context != "" {
		return e.Context
	}
	return e.ContextSentence
}

// decodeEntries parses a response into a list of entries. The payload must
// be a JSON array of objects, or an object wrapping that array under
// "items" or "results". Anything else is an error.
func decodeEntries[T any](text string) ([]T, error) {
	text = stripFences(text)
	if text == "" {
		return nil, eris.New("enrich: empty response")
	}

	switch text[0] {
	case '[', '{':
	default:
		// Tolerate prose around the array.
		start := strings.Index(text, "[")
		end := strings.LastIndex(text, "]")
		if start < 0 || end <= start {
			return nil, eris.New("enrich: response is not JSON")
		}
		text = text[start : end+1]
	}

	if text[0] == '{' {
		var wrapper struct {
			Items   []T `json:"items"`
			Results []T `json:"results"`
		}
		if err := strictUnmarshal(text, &wrapper); err != nil {
			return nil, err
		}
		if wrapper.Items != nil {
			return wrapper.Items, nil
		}
		if wrapper.Results != nil {
			return wrapper.Results, nil
		}
		return nil, eris.New("enrich: response object has no items array")
	}

	var entries []T
	if err := strictUnmarshal(text, &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, eris.New("enrich: response is null")
	}
	return entries, nil
}

func strictUnmarshal(text string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	if err := dec.Decode(v); err != nil {
		return eris.Wrap(err, "enrich: decode response")
	}
	if dec.More() {
		return eris.New("enrich: trailing data after JSON payload")
	}
	return nil
}
