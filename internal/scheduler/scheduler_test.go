package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/vocab-cli/internal/enrich"
	"github.com/sells-group/vocab-cli/internal/model"
	"github.com/sells-group/vocab-cli/internal/resilience"
)

// --- Fakes ---

type fakeStore struct {
	mu sync.Mutex

	control    model.ControlState
	controlErr error
	pending    map[model.Stage][]model.VocabItem
	selectErr  error
	commitErr  error

	selects    []model.Stage
	classified [][]model.ClassifyUpdate
	translated [][]model.TranslateUpdate
	failed     map[model.Stage][][]string
	runs       []model.BatchRun
}

func newFakeStore(state model.RunState) *fakeStore {
	return &fakeStore{
		control: model.ControlState{RunState: state, Model: "claude-haiku-4-5-20251001"},
		pending: map[model.Stage][]model.VocabItem{},
		failed:  map[model.Stage][][]string{},
	}
}

func (f *fakeStore) GetControl(_ context.Context) (model.ControlState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.control, f.controlErr
}

func (f *fakeStore) SelectPending(_ context.Context, stage model.Stage, limit int) ([]model.VocabItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selects = append(f.selects, stage)
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	items := f.pending[stage]
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *fakeStore) CommitClassify(_ context.Context, updates []model.ClassifyUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.classified = append(f.classified, updates)
	return nil
}

func (f *fakeStore) CommitTranslate(_ context.Context, updates []model.TranslateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.translated = append(f.translated, updates)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, stage model.Stage, words []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[stage] = append(f.failed[stage], words)
	return nil
}

func (f *fakeStore) RecordBatch(_ context.Context, run model.BatchRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

type fakeProcessor struct {
	mu          sync.Mutex
	calls       int
	models      []string
	inFlight    int
	maxInFlight int
	delay       time.Duration
	fail        func(chunk []model.VocabItem) bool
}

func (p *fakeProcessor) enter(modelID string) {
	p.mu.Lock()
	p.calls++
	p.models = append(p.models, modelID)
	p.inFlight++
	p.maxInFlight = max(p.maxInFlight, p.inFlight)
	p.mu.Unlock()
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
}

func (p *fakeProcessor) leave() {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
}

func (p *fakeProcessor) Classify(_ context.Context, modelID string, chunk []model.VocabItem) enrich.ChunkResult[model.ClassifyUpdate] {
	p.enter(modelID)
	defer p.leave()

	res := enrich.ChunkResult[model.ClassifyUpdate]{Stage: model.StageClassify, Chunk: chunk, Attempts: 1}
	if p.fail != nil && p.fail(chunk) {
		res.Attempts = 3
		res.Err = errors.New("resilience: gave up after 3 attempt(s): service unavailable")
		return res
	}
	for _, it := range chunk {
		res.Updates = append(res.Updates, model.ClassifyUpdate{Word: it.Word, Tags: []string{"basic"}, Status: model.StatusKeep})
	}
	return res
}

func (p *fakeProcessor) Translate(_ context.Context, modelID string, chunk []model.VocabItem) enrich.ChunkResult[model.TranslateUpdate] {
	p.enter(modelID)
	defer p.leave()

	res := enrich.ChunkResult[model.TranslateUpdate]{Stage: model.StageTranslate, Chunk: chunk, Attempts: 1}
	if p.fail != nil && p.fail(chunk) {
		res.Err = errors.New("translate failed")
		return res
	}
	for _, it := range chunk {
		res.Updates = append(res.Updates, model.TranslateUpdate{Word: it.Word, Definition: "def " + it.Word})
	}
	return res
}

func makeItems(prefix string, n int) []model.VocabItem {
	items := make([]model.VocabItem, n)
	for i := range items {
		items[i] = model.NewVocabItem(fmt.Sprintf("%s%03d", prefix, i), "B2", "")
	}
	return items
}

func newTestScheduler(st Store, proc Processor, breaker *resilience.CircuitBreaker, cfg Config) *Scheduler {
	s := New(st, proc, breaker, cfg)
	s.newID = func() string { return "batch-test" }
	return s
}

// --- Step ---

func TestStep_PausedDoesNoWork(t *testing.T) {
	st := newFakeStore(model.RunStatePaused)
	st.pending[model.StageClassify] = makeItems("w", 10)
	proc := &fakeProcessor{}
	s := newTestScheduler(st, proc, nil, Config{BatchSize: 5, Concurrency: 2})

	state, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatePaused, state)
	assert.Empty(t, st.selects, "paused loop must not fetch")
	assert.Zero(t, proc.calls, "paused loop must not call the generator")
}

func TestStep_ClassifyHasPriority(t *testing.T) {
	st := newFakeStore(model.RunStateRunning)
	st.pending[model.StageClassify] = makeItems("c", 3)
	st.pending[model.StageTranslate] = makeItems("t", 3)
	proc := &fakeProcessor{}
	s := newTestScheduler(st, proc, nil, Config{BatchSize: 5, Concurrency: 2})

	state, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDrainingClassify, state)
	assert.Equal(t, []model.Stage{model.StageClassify}, st.selects)
	require.Len(t, st.classified, 1)
	assert.Len(t, st.classified[0], 3)
	assert.Empty(t, st.translated)
}

func TestStep_TranslateWhenClassifyEmpty(t *testing.T) {
	st := newFakeStore(model.RunStateRunning)
	st.pending[model.StageTranslate] = makeItems("t", 4)
	proc := &fakeProcessor{}
	s := newTestScheduler(st, proc, nil, Config{BatchSize: 5, Concurrency: 2})

	state, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDrainingTranslate, state)
	assert.Equal(t, []model.Stage{model.StageClassify, model.StageTranslate}, st.selects)
	require.Len(t, st.translated, 1)
	assert.Len(t, st.translated[0], 4)
	require.Len(t, st.runs, 1)
	assert.Equal(t, model.StageTranslate, st.runs[0].Stage)
}

func TestStep_IdleWhenNothingPending(t *testing.T) {
	st := newFakeStore(model.RunStateRunning)
	s := newTestScheduler(st, &fakeProcessor{}, nil, Config{})

	state, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	assert.Empty(t, st.runs)
}

func TestStep_SuperBatchLimitAndChunking(t *testing.T) {
	st := newFakeStore(model.RunStateRunning)
	st.pending[model.StageClassify] = makeItems("w", 25)
	proc := &fakeProcessor{delay: 20 * time.Millisecond}
	s := newTestScheduler(st, proc, nil, Config{BatchSize: 5, Concurrency: 2})

	_, err := s.Step(context.Background())
	require.NoError(t, err)

	// Super-batch is 5 x 2 = 10 items in 2 chunks.
	assert.Equal(t, 2, proc.calls)
	assert.LessOrEqual(t, proc.maxInFlight, 2)
	require.Len(t, st.classified, 1, "one commit per super-batch")
	assert.Len(t, st.classified[0], 10)
	require.Len(t, st.runs, 1)
	assert.Equal(t, 10, st.runs[0].Items)
	assert.Equal(t, 2, st.runs[0].Chunks)
	assert.Equal(t, "batch-test", st.runs[0].ID)
}

func TestStep_ConcurrencyBound(t *testing.T) {
	st := newFakeStore(model.RunStateRunning)
	st.pending[model.StageClassify] = makeItems("w", 40)
	proc := &fakeProcessor{delay: 10 * time.Millisecond}
	s := newTestScheduler(st, proc, nil, Config{BatchSize: 2, Concurrency: 3})

	_, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, proc.calls)
	assert.LessOrEqual(t, proc.maxInFlight, 3)
}

func TestStep_FailedChunksMarkedOnce(t *testing.T) {
	st := newFakeStore(model.RunStateRunning)
	st.pending[model.StageClassify] = makeItems("w", 9)
	proc := &fakeProcessor{fail: func(chunk []model.VocabItem) bool {
		return chunk[0].Word == "w003"
	}}
	s := newTestScheduler(st, proc, nil, Config{BatchSize: 3, Concurrency: 3})

	state, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDrainingClassify, state)

	require.Len(t, st.classified, 1)
	assert.Len(t, st.classified[0], 6)
	require.Len(t, st.failed[model.StageClassify], 1, "one failure mark per super-batch")
	assert.ElementsMatch(t, []string{"w003", "w004", "w005"}, st.failed[model.StageClassify][0])
	require.Len(t, st.runs, 1)
	assert.Equal(t, 2, st.runs[0].Succeeded)
	assert.Equal(t, 1, st.runs[0].Failed)
}

func TestStep_AllChunksFailSkipsCommit(t *testing.T) {
	st := newFakeStore(model.RunStateRunning)
	st.pending[model.StageTranslate] = makeItems("t", 4)
	proc := &fakeProcessor{fail: func([]model.VocabItem) bool { return true }}
	s := newTestScheduler(st, proc, nil, Config{BatchSize: 2, Concurrency: 2})

	_, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.translated)
	require.Len(t, st.failed[model.StageTranslate], 1)
	assert.Len(t, st.failed[model.StageTranslate][0], 4)
}

func TestStep_ModelCapturedOnce(t *testing.T) {
	st := newFakeStore(model.RunStateRunning)
	st.control.Model = "claude-sonnet-4-5-20250929"
	st.pending[model.StageClassify] = makeItems("w", 6)
	proc := &fakeProcessor{}
	s := newTestScheduler(st, proc, nil, Config{BatchSize: 2, Concurrency: 3})

	_, err := s.Step(context.Background())
	require.NoError(t, err)
	require.Len(t, proc.models, 3)
	for _, m := range proc.models {
		assert.Equal(t, "claude-sonnet-4-5-20250929", m)
	}
	assert.Equal(t, "claude-sonnet-4-5-20250929", st.runs[0].Model)
}

func TestStep_DefaultModelWhenUnset(t *testing.T) {
	st := newFakeStore(model.RunStateRunning)
	st.control.Model = ""
	st.pending[model.StageClassify] = makeItems("w", 1)
	proc := &fakeProcessor{}
	s := newTestScheduler(st, proc, nil, Config{DefaultModel: "fallback-model"})

	_, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fallback-model"}, proc.models)
}

func TestStep_StoreErrors(t *testing.T) {
	t.Run("control", func(t *testing.T) {
		st := newFakeStore(model.RunStateRunning)
		st.controlErr = errors.New("database is locked")
		s := newTestScheduler(st, &fakeProcessor{}, nil, Config{})

		_, err := s.Step(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read control")
	})

	t.Run("select", func(t *testing.T) {
		st := newFakeStore(model.RunStateRunning)
		st.selectErr = errors.New("disk I/O error")
		proc := &fakeProcessor{}
		s := newTestScheduler(st, proc, nil, Config{})

		state, err := s.Step(context.Background())
		require.Error(t, err)
		assert.Equal(t, StateIdle, state)
		assert.Zero(t, proc.calls)
	})

	t.Run("commit", func(t *testing.T) {
		st := newFakeStore(model.RunStateRunning)
		st.commitErr = errors.New("constraint failed")
		st.pending[model.StageClassify] = makeItems("w", 2)
		s := newTestScheduler(st, &fakeProcessor{}, nil, Config{})

		state, err := s.Step(context.Background())
		require.Error(t, err)
		assert.Equal(t, StateDrainingClassify, state)
		assert.Contains(t, err.Error(), "commit classify")
		assert.Len(t, st.runs, 1, "batch is still recorded")
	})
}

func TestStep_CircuitOpenHoldsWork(t *testing.T) {
	st := newFakeStore(model.RunStateRunning)
	st.pending[model.StageClassify] = makeItems("w", 4)
	proc := &fakeProcessor{fail: func([]model.VocabItem) bool { return true }}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	s := newTestScheduler(st, proc, breaker, Config{BatchSize: 2, Concurrency: 2})

	state, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDrainingClassify, state)
	assert.Equal(t, resilience.CircuitOpen, breaker.State())

	selects := len(st.selects)
	state, err = s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateHeld, state)
	assert.Len(t, st.selects, selects, "held loop must not fetch")
	assert.Equal(t, 2, proc.calls)
}

func TestStep_HalfOpenReleasesOneChunk(t *testing.T) {
	st := newFakeStore(model.RunStateRunning)
	st.pending[model.StageClassify] = makeItems("w", 20)
	failing := true
	proc := &fakeProcessor{fail: func([]model.VocabItem) bool { return failing }}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Millisecond})
	s := newTestScheduler(st, proc, breaker, Config{BatchSize: 2, Concurrency: 4})

	_, err := s.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, resilience.CircuitOpen, breaker.State())
	calls := proc.calls

	failing = false
	time.Sleep(5 * time.Millisecond)

	state, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDrainingClassify, state)
	assert.Equal(t, calls+1, proc.calls, "half-open admits a single chunk")
	require.NotEmpty(t, st.classified)
	assert.Len(t, st.classified[len(st.classified)-1], 2)
	assert.Equal(t, resilience.CircuitClosed, breaker.State())

	calls = proc.calls
	_, err = s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, calls+4, proc.calls, "closed circuit releases the full super-batch")
}

func TestStep_ResumeResetsBreaker(t *testing.T) {
	st := newFakeStore(model.RunStateRunning)
	st.pending[model.StageClassify] = makeItems("w", 2)
	proc := &fakeProcessor{fail: func([]model.VocabItem) bool { return true }}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	s := newTestScheduler(st, proc, breaker, Config{BatchSize: 2, Concurrency: 1})

	_, err := s.Step(context.Background())
	require.NoError(t, err)
	state, _ := s.Step(context.Background())
	require.Equal(t, StateHeld, state)

	st.mu.Lock()
	st.control.RunState = model.RunStatePaused
	st.mu.Unlock()
	state, _ = s.Step(context.Background())
	require.Equal(t, StatePaused, state)

	st.mu.Lock()
	st.control.RunState = model.RunStateRunning
	st.mu.Unlock()
	state, err = s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDrainingClassify, state, "resume clears the open circuit")
}

// --- Run ---

func TestRun_PacesByState(t *testing.T) {
	st := newFakeStore(model.RunStatePaused)
	s := newTestScheduler(st, &fakeProcessor{}, nil, Config{
		IdleInterval:  5 * time.Second,
		PauseInterval: 2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		switch len(waits) {
		case 1:
			// Resume after the first paused iteration.
			st.mu.Lock()
			st.control.RunState = model.RunStateRunning
			st.mu.Unlock()
		case 2:
			cancel()
			return ctx.Err()
		}
		return nil
	}

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second}, waits)
}

func TestRun_StoreErrorIsNotFatal(t *testing.T) {
	st := newFakeStore(model.RunStateRunning)
	st.controlErr = errors.New("database is locked")
	s := newTestScheduler(st, &fakeProcessor{}, nil, Config{IdleInterval: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var iterations int
	s.sleep = func(ctx context.Context, d time.Duration) error {
		iterations++
		assert.Equal(t, time.Second, d)
		if iterations == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, iterations)
}

func TestRun_DrainsWithoutWaiting(t *testing.T) {
	st := newFakeStore(model.RunStateRunning)
	st.pending[model.StageClassify] = makeItems("w", 2)
	s := newTestScheduler(st, &fakeProcessor{}, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.sleep = func(ctx context.Context, d time.Duration) error {
		// The fake never drains its queue, so only store errors or idle
		// states would reach here.
		t.Errorf("unexpected wait %v", d)
		cancel()
		return ctx.Err()
	}

	var steps int
	proc := &countingProcessor{fakeProcessor: &fakeProcessor{}, onCall: func() {
		steps++
		if steps == 3 {
			cancel()
		}
	}}
	s.proc = proc

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, steps)
}

type countingProcessor struct {
	*fakeProcessor
	onCall func()
}

func (p *countingProcessor) Classify(ctx context.Context, modelID string, chunk []model.VocabItem) enrich.ChunkResult[model.ClassifyUpdate] {
	p.onCall()
	return p.fakeProcessor.Classify(ctx, modelID, chunk)
}

// --- helpers ---

func TestChunkItems(t *testing.T) {
	chunks := chunkItems(makeItems("w", 7), 3)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 3)
	assert.Len(t, chunks[2], 1)
	assert.Empty(t, chunkItems(nil, 3))
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 20, cfg.Concurrency)
	assert.Equal(t, 1000, cfg.SuperBatch())
	assert.Equal(t, 5*time.Second, cfg.IdleInterval)
	assert.Equal(t, 2*time.Second, cfg.PauseInterval)
}
