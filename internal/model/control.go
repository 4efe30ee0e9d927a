package model

import "time"

// RunState is the externally controlled worker switch.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStatePaused  RunState = "paused"
)

// Valid reports whether s is a recognised run state.
func (s RunState) Valid() bool {
	return s == RunStateRunning || s == RunStatePaused
}

// ControlState is the Control Switch as read at the top of each scheduler
// iteration.
type ControlState struct {
	RunState RunState `json:"status"`
	Model    string   `json:"model"`
}

// Running reports whether the pipeline may dequeue work.
func (c ControlState) Running() bool {
	return c.RunState == RunStateRunning
}

// BatchRun is the audit record of one drained super-batch.
type BatchRun struct {
	ID         string    `json:"id"`
	Stage      Stage     `json:"stage"`
	Model      string    `json:"model"`
	Items      int       `json:"items"`
	Chunks     int       `json:"chunks"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// StageStats summarises per-stage flag counts for the dashboard.
type StageStats struct {
	Total            int     `json:"total"`
	Classified       int     `json:"processed"`
	ClassifyFailed   int     `json:"errors"`
	Kept             int     `json:"kept"`
	Discarded        int     `json:"discarded"`
	Translated       int     `json:"translated"`
	TranslateFailed  int     `json:"translate_errors"`
	PercentClassify  float64 `json:"percent_classify"`
	PercentTranslate float64 `json:"percent_translate"`
}

// ComputePercentages fills the derived percentage fields, rounded to one
// decimal place.
func (s *StageStats) ComputePercentages() {
	s.PercentClassify = 0
	s.PercentTranslate = 0
	if s.Total > 0 {
		s.PercentClassify = round1(float64(s.Classified+s.ClassifyFailed) / float64(s.Total) * 100)
	}
	if s.Kept > 0 {
		s.PercentTranslate = round1(float64(s.Translated) / float64(s.Kept) * 100)
	}
}

// FailureRate returns the fraction of finished classify items that failed.
func (s StageStats) FailureRate() float64 {
	finished := s.Classified + s.ClassifyFailed
	if finished == 0 {
		return 0
	}
	return float64(s.ClassifyFailed) / float64(finished)
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
