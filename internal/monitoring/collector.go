package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/vocab-cli/internal/model"
	"github.com/sells-group/vocab-cli/internal/resilience"
)

// maxWindowRuns caps how many batch runs are scanned per collection.
const maxWindowRuns = 10000

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Item totals (all time).
	Stats model.StageStats `json:"stats"`

	// Backlog still waiting for a stage.
	ClassifyBacklog  int `json:"classify_backlog"`
	TranslateBacklog int `json:"translate_backlog"`

	// Batch metrics (within lookback window).
	BatchRuns       int     `json:"batch_runs"`
	ItemsProcessed  int     `json:"items_processed"`
	ChunksSucceeded int     `json:"chunks_succeeded"`
	ChunksFailed    int     `json:"chunks_failed"`
	ChunkFailRate   float64 `json:"chunk_fail_rate"`

	// Control switch.
	Running bool   `json:"running"`
	Model   string `json:"model"`

	// Dequeue circuit breaker of this process; empty when none is attached.
	Circuit             string `json:"circuit,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// FailedItems returns the number of items parked in either stage's error state.
func (s *MetricsSnapshot) FailedItems() int {
	return s.Stats.ClassifyFailed + s.Stats.TranslateFailed
}

// Backlog returns the number of items waiting for either stage.
func (s *MetricsSnapshot) Backlog() int {
	return s.ClassifyBacklog + s.TranslateBacklog
}

// Source is the subset of store.Store the collector reads.
type Source interface {
	Stats(ctx context.Context) (model.StageStats, error)
	ListBatchRuns(ctx context.Context, limit int) ([]model.BatchRun, error)
	GetControl(ctx context.Context) (model.ControlState, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	src     Source
	breaker *resilience.CircuitBreaker
	now     func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{src: src, now: time.Now}
}

// WithBreaker adds the worker's circuit breaker counters to each snapshot.
func (c *Collector) WithBreaker(cb *resilience.CircuitBreaker) *Collector {
	c.breaker = cb
	return c
}

// Collect gathers a snapshot of pipeline metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	stats, err := c.src.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: stats")
	}
	snap.Stats = stats
	snap.ClassifyBacklog = stats.Total - stats.Classified - stats.ClassifyFailed
	snap.TranslateBacklog = stats.Kept - stats.Translated - stats.TranslateFailed

	// Runs come back newest first.
	runs, err := c.src.ListBatchRuns(ctx, maxWindowRuns)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list batch runs")
	}
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.BatchRuns++
		snap.ItemsProcessed += r.Items
		snap.ChunksSucceeded += r.Succeeded
		snap.ChunksFailed += r.Failed
	}
	if finished := snap.ChunksSucceeded + snap.ChunksFailed; finished > 0 {
		snap.ChunkFailRate = float64(snap.ChunksFailed) / float64(finished)
	}

	ctl, err := c.src.GetControl(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: get control")
	}
	snap.Running = ctl.Running()
	snap.Model = ctl.Model

	if c.breaker != nil {
		failures, state := c.breaker.Counters()
		snap.Circuit = state.String()
		snap.ConsecutiveFailures = failures
	}

	return snap, nil
}
