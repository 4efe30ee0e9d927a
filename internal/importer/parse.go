// Package importer loads word lists into the item store. Rows are read from
// tab-separated text or XLSX, normalised, deduplicated and inserted only
// when the word is not already present.
package importer

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/vocab-cli/internal/model"
)

// ParseFields maps one row to an item. The word is the first column, the
// level the second-to-last and the hint the last; rows with fewer than three
// columns or an empty word are rejected.
func ParseFields(fields []string) (model.VocabItem, bool) {
	if len(fields) < 3 {
		return model.VocabItem{}, false
	}
	word := normalize(fields[0])
	if word == "" {
		return model.VocabItem{}, false
	}
	return model.NewVocabItem(word, normalize(fields[len(fields)-2]), normalize(fields[len(fields)-1])), true
}

// normalize trims surrounding whitespace and composes the text to NFC so
// that "canción" typed with a combining accent matches the precomposed form.
func normalize(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}
