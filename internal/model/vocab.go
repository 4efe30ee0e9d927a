package model

import (
	"strings"
	"time"
)

// Status is the classification verdict for a vocabulary item.
type Status string

const (
	StatusPending Status = "pending"
	StatusKeep    Status = "keep"
	StatusDiscard Status = "discard"
)

// StageState tracks progress of one item through one pipeline stage.
// Values are persisted as integers (0, 1, 2).
type StageState int

const (
	StageUnprocessed StageState = iota
	StageDone
	StageFailed
)

func (s StageState) String() string {
	switch s {
	case StageUnprocessed:
		return "unprocessed"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stage identifies a pipeline phase.
type Stage string

const (
	StageClassify  Stage = "classify"
	StageTranslate Stage = "translate"
)

// ParseStage converts a user-supplied stage name to a Stage.
func ParseStage(s string) (Stage, bool) {
	switch Stage(strings.ToLower(strings.TrimSpace(s))) {
	case StageClassify:
		return StageClassify, true
	case StageTranslate:
		return StageTranslate, true
	default:
		return "", false
	}
}

// VocabItem is one row per unique word.
type VocabItem struct {
	Word            string     `json:"word"`
	Level           string     `json:"level"`
	Hint            string     `json:"hint"`
	Tags            []string   `json:"tags"`
	Status          Status     `json:"status"`
	ClassifyStage   StageState `json:"classify_stage"`
	TranslateStage  StageState `json:"translate_stage"`
	Definition      string     `json:"definition,omitempty"`
	Phonetic        string     `json:"phonetic,omitempty"`
	ContextSentence string     `json:"context_sentence,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewVocabItem returns an item in its initial imported state.
func NewVocabItem(word, level, hint string) VocabItem {
	return VocabItem{
		Word:   word,
		Level:  level,
		Hint:   hint,
		Tags:   []string{},
		Status: StatusPending,
	}
}

// ClassifyUpdate is the classify group written atomically on success:
// tags, status, and classify_stage=done.
type ClassifyUpdate struct {
	Word   string   `json:"word"`
	Tags   []string `json:"tags"`
	Status Status   `json:"status"`
}

// TranslateUpdate is the translate group written atomically on success:
// definition, phonetic, context_sentence, and translate_stage=done.
type TranslateUpdate struct {
	Word            string `json:"word"`
	Definition      string `json:"definition"`
	Phonetic        string `json:"phonetic"`
	ContextSentence string `json:"context_sentence"`
}
