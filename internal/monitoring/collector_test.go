package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/vocab-cli/internal/model"
	"github.com/sells-group/vocab-cli/internal/resilience"
)

// mockSource implements Source for testing.
type mockSource struct {
	stats      model.StageStats
	runs       []model.BatchRun
	control    model.ControlState
	statsErr   error
	runsErr    error
	controlErr error
}

func (m *mockSource) Stats(context.Context) (model.StageStats, error) {
	return m.stats, m.statsErr
}

func (m *mockSource) ListBatchRuns(_ context.Context, limit int) ([]model.BatchRun, error) {
	if m.runsErr != nil {
		return nil, m.runsErr
	}
	if limit > 0 && len(m.runs) > limit {
		return m.runs[:limit], nil
	}
	return m.runs, nil
}

func (m *mockSource) GetControl(context.Context) (model.ControlState, error) {
	return m.control, m.controlErr
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCollector(src Source) *Collector {
	c := NewCollector(src)
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestCollector_Collect(t *testing.T) {
	src := &mockSource{
		stats: model.StageStats{
			Total: 200, Classified: 150, ClassifyFailed: 10,
			Kept: 100, Discarded: 50, Translated: 60, TranslateFailed: 5,
		},
		runs: []model.BatchRun{
			{ID: "r3", Stage: model.StageTranslate, Items: 100, Succeeded: 1, Failed: 1, StartedAt: fixedNow.Add(-time.Hour)},
			{ID: "r2", Stage: model.StageClassify, Items: 1000, Succeeded: 18, Failed: 2, StartedAt: fixedNow.Add(-2 * time.Hour)},
			{ID: "r1", Stage: model.StageClassify, Items: 1000, Succeeded: 0, Failed: 20, StartedAt: fixedNow.Add(-48 * time.Hour)},
		},
		control: model.ControlState{RunState: model.RunStateRunning, Model: "claude-haiku-4-5-20251001"},
	}

	snap, err := newTestCollector(src).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, fixedNow, snap.CollectedAt)
	assert.Equal(t, 40, snap.ClassifyBacklog)
	assert.Equal(t, 35, snap.TranslateBacklog)
	assert.Equal(t, 75, snap.Backlog())
	assert.Equal(t, 15, snap.FailedItems())

	// r1 is outside the window.
	assert.Equal(t, 2, snap.BatchRuns)
	assert.Equal(t, 1100, snap.ItemsProcessed)
	assert.Equal(t, 19, snap.ChunksSucceeded)
	assert.Equal(t, 3, snap.ChunksFailed)
	assert.InDelta(t, 3.0/22.0, snap.ChunkFailRate, 0.0001)

	assert.True(t, snap.Running)
	assert.Equal(t, "claude-haiku-4-5-20251001", snap.Model)
}

func TestCollector_Collect_Breaker(t *testing.T) {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	cb.Record(errors.New("chunk failed"))

	c := newTestCollector(&mockSource{}).WithBreaker(cb)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, "closed", snap.Circuit)
	assert.Equal(t, 1, snap.ConsecutiveFailures)

	cb.Record(errors.New("chunk failed"))
	snap, err = c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, "open", snap.Circuit)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
}

func TestCollector_Collect_Empty(t *testing.T) {
	snap, err := newTestCollector(&mockSource{}).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Zero(t, snap.BatchRuns)
	assert.Zero(t, snap.ChunkFailRate)
	assert.Zero(t, snap.Backlog())
	assert.False(t, snap.Running)
	assert.Empty(t, snap.Circuit)
}

func TestCollector_Collect_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  *mockSource
		want string
	}{
		{"stats", &mockSource{statsErr: errors.New("db down")}, "monitoring: stats"},
		{"runs", &mockSource{runsErr: errors.New("db down")}, "monitoring: list batch runs"},
		{"control", &mockSource{controlErr: errors.New("db down")}, "monitoring: get control"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestCollector(tt.src).Collect(context.Background(), 24)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
