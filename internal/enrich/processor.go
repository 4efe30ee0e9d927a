// Package enrich turns one chunk of vocabulary items into one request to the
// text-generation service and maps the response back onto the items.
package enrich

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vocab-cli/internal/model"
	"github.com/sells-group/vocab-cli/internal/resilience"
	"github.com/sells-group/vocab-cli/internal/taxonomy"
)

// ChunkResult pairs the input chunk with either its updates or the
// definitive failure from the retrying caller.
type ChunkResult[U any] struct {
	Stage    model.Stage
	Chunk    []model.VocabItem
	Updates  []U
	Attempts int
	Err      error
}

// Failed reports whether the chunk ended in a definitive failure.
func (r ChunkResult[U]) Failed() bool {
	return r.Err != nil
}

// Words returns the keys of every item in the chunk.
func (r ChunkResult[U]) Words() []string {
	words := make([]string, len(r.Chunk))
	for i, it := range r.Chunk {
		words[i] = it.Word
	}
	return words
}

// Processor is the chunk processor. It performs no store I/O.
type Processor struct {
	gen   Generator
	tax   *taxonomy.Taxonomy
	lang  Languages
	retry resilience.RetryConfig

	classifySystem  string
	translateSystem string
}

// NewProcessor creates a Processor. A nil taxonomy uses the built-in one.
func NewProcessor(gen Generator, tax *taxonomy.Taxonomy, lang Languages, retry resilience.RetryConfig) *Processor {
	if tax == nil {
		tax = taxonomy.Default()
	}
	if lang.Source == "" || lang.Target == "" {
		def := DefaultLanguages()
		if lang.Source == "" {
			lang.Source = def.Source
		}
		if lang.Target == "" {
			lang.Target = def.Target
		}
	}
	return &Processor{
		gen:             gen,
		tax:             tax,
		lang:            lang,
		retry:           retry,
		classifySystem:  classifySystemPrompt(lang, tax),
		translateSystem: translateSystemPrompt(lang),
	}
}

// Classify runs the classification request for chunk.
func (p *Processor) Classify(ctx context.Context, modelID string, chunk []model.VocabItem) ChunkResult[model.ClassifyUpdate] {
	res := ChunkResult[model.ClassifyUpdate]{Stage: model.StageClassify, Chunk: chunk}

	entries, attempts, err := call[classifyEntry](ctx, p, modelID, model.StageClassify, p.classifySystem, chunk)
	res.Attempts = attempts
	if err != nil {
		res.Err = err
		return res
	}

	idx := newChunkIndex(chunk)
	found := make([][]string, len(chunk))
	for _, e := range entries {
		if i, ok := idx.lookup(e.Word); ok {
			found[i] = append(found[i], e.Tags...)
		}
	}

	res.Updates = make([]model.ClassifyUpdate, len(chunk))
	for i, it := range chunk {
		res.Updates[i] = p.classifyPolicy(it, found[i])
	}
	return res
}

// classifyPolicy decides status and tags for one item. Any non-blank returned
// tag keeps the item; tags outside the taxonomy are dropped from what is
// stored, and the default tag stands in when none survive. With nothing
// returned the item is kept with the default tag when its level is in the
// always-keep set and discarded when not.
func (p *Processor) classifyPolicy(it model.VocabItem, returned []string) model.ClassifyUpdate {
	if hasTag(returned) {
		tags := p.tax.Filter(returned)
		if len(tags) == 0 {
			zap.L().Debug("enrich: no known tags returned",
				zap.String("word", it.Word),
				zap.Strings("tags", returned),
			)
			tags = []string{p.tax.DefaultTag}
		}
		return model.ClassifyUpdate{Word: it.Word, Tags: tags, Status: model.StatusKeep}
	}
	if p.tax.KeepsLevel(it.Level) {
		return model.ClassifyUpdate{Word: it.Word, Tags: []string{p.tax.DefaultTag}, Status: model.StatusKeep}
	}
	return model.ClassifyUpdate{Word: it.Word, Tags: []string{}, Status: model.StatusDiscard}
}

func hasTag(tags []string) bool {
	for _, t := range tags {
		if strings.TrimSpace(t) != "" {
			return true
		}
	}
	return false
}

// Translate runs the translation request for chunk. Items absent from the
// response get empty fields and still count as translated.
func (p *Processor) Translate(ctx context.Context, modelID string, chunk []model.VocabItem) ChunkResult[model.TranslateUpdate] {
	res := ChunkResult[model.TranslateUpdate]{Stage: model.StageTranslate, Chunk: chunk}

	entries, attempts, err := call[translateEntry](ctx, p, modelID, model.StageTranslate, p.translateSystem, chunk)
	res.Attempts = attempts
	if err != nil {
		res.Err = err
		return res
	}

	idx := newChunkIndex(chunk)
	found := make([]*translateEntry, len(chunk))
	for j := range entries {
		if i, ok := idx.lookup(entries[j].Word); ok && found[i] == nil {
			found[i] = &entries[j]
		}
	}

	res.Updates = make([]model.TranslateUpdate, len(chunk))
	for i, it := range chunk {
		var e translateEntry
		if found[i] != nil {
			e = *found[i]
		}
		res.Updates[i] = model.TranslateUpdate{
			Word:            it.Word,
			Definition:      strings.TrimSpace(e.Definition),
			Phonetic:        strings.TrimSpace(e.Phonetic),
			ContextSentence: strings.TrimSpace(e.sentence()),
		}
	}
	return res
}

// call issues one chunk request through the retrying caller. A response
// that does not decode counts as a failed attempt.
func call[T any](ctx context.Context, p *Processor, modelID string, stage model.Stage, system string, chunk []model.VocabItem) ([]T, int, error) {
	if len(chunk) == 0 {
		return nil, 0, nil
	}

	payload, err := chunkPayload(chunk)
	if err != nil {
		return nil, 0, eris.Wrap(err, "enrich: encode chunk")
	}
	prompt := Prompt{Stage: stage, System: system, User: payload}

	cfg := p.retry
	if cfg.OnAttemptFailed == nil {
		cfg.OnAttemptFailed = resilience.AttemptLogger("generator", string(stage), cfg.MaxAttempts)
	}

	out := resilience.Call(ctx, cfg, func(ctx context.Context) ([]T, error) {
		text, err := p.gen.Generate(ctx, modelID, prompt)
		if err != nil {
			return nil, err
		}
		return decodeEntries[T](text)
	})
	if !out.OK {
		zap.L().Warn("enrich: chunk failed",
			zap.String("stage", string(stage)),
			zap.String("model", modelID),
			zap.Int("items", len(chunk)),
			zap.Int("attempts", out.Attempts),
			zap.Error(out.Err),
		)
		return nil, out.Attempts, out.Err
	}
	return out.Value, out.Attempts, nil
}

// chunkIndex pairs response entries with chunk positions. Words match
// exactly after trimming; a case-insensitive match is accepted only when a
// single item in the chunk carries that folded key.
type chunkIndex struct {
	exact  map[string]int
	folded map[string][]int
}

func newChunkIndex(chunk []model.VocabItem) chunkIndex {
	idx := chunkIndex{
		exact:  make(map[string]int, len(chunk)),
		folded: make(map[string][]int, len(chunk)),
	}
	for i, it := range chunk {
		w := strings.TrimSpace(it.Word)
		if _, dup := idx.exact[w]; !dup {
			idx.exact[w] = i
		}
		key := strings.ToLower(w)
		idx.folded[key] = append(idx.folded[key], i)
	}
	return idx
}

func (idx chunkIndex) lookup(word string) (int, bool) {
	w := strings.TrimSpace(word)
	if w == "" {
		return 0, false
	}
	if i, ok := idx.exact[w]; ok {
		return i, true
	}
	if candidates := idx.folded[strings.ToLower(w)]; len(candidates) == 1 {
		return candidates[0], true
	}
	return 0, false
}
