package enrich

import (
	"encoding/json"
	"fmt"

	"github.com/sells-group/vocab-cli/internal/model"
	"github.com/sells-group/vocab-cli/internal/taxonomy"
)

// Languages names the language of the word list and the language
// definitions are written in.
type Languages struct {
	Source string
	Target string
}

// DefaultLanguages matches the bundled word list.
func DefaultLanguages() Languages {
	return Languages{Source: "Spanish", Target: "Chinese"}
}

type promptItem struct {
	Word string `json:"word"`
	Hint string `json:"hint,omitempty"`
}

func classifySystemPrompt(lang Languages, tx *taxonomy.Taxonomy) string {
	return fmt.Sprintf(`Role: %s linguistic expert.

You classify vocabulary words into topic tags.

Tags:
%s

Rules:
- Use ONLY tags from the list above
- A word may have several tags
- Return an empty tags array [] if no tag fits
- Return one entry per input word, using the word exactly as given
- Respond with a JSON array only, no commentary

Output JSON: [{"word": "word1", "tags": ["tag1"]}]`, lang.Source, tx.PromptText())
}

func translateSystemPrompt(lang Languages) string {
	return fmt.Sprintf(`Role: Expert %[1]s-%[2]s translator.

Task: for each word provide a %[2]s definition, the IPA phonetic transcription, and a simple %[1]s context sentence. The hint is a short gloss to disambiguate the sense.

Rules:
- Return one entry per input word, using the word exactly as given
- Respond with a JSON array only, no commentary

Output JSON: [{"word": "ordenador", "definition": "电脑", "phonetic": "/oɾ.ðe.naˈðoɾ/", "context": "Mi ordenador es nuevo."}]`, lang.Source, lang.Target)
}

// chunkPayload serializes the (word, hint) pairs of a chunk.
func chunkPayload(chunk []model.VocabItem) (string, error) {
	items := make([]promptItem, len(chunk))
	for i, it := range chunk {
		items[i] = promptItem{Word: it.Word, Hint: it.Hint}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return "Input: " + string(b), nil
}
