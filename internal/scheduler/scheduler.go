// Package scheduler runs the pipeline loop: it reads the control switch,
// drains classify work before translate work one super-batch at a time, and
// commits each super-batch before selecting the next.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/vocab-cli/internal/enrich"
	"github.com/sells-group/vocab-cli/internal/model"
	"github.com/sells-group/vocab-cli/internal/resilience"
)

// State is what one loop iteration did.
type State string

const (
	StatePaused            State = "paused"
	StateDrainingClassify  State = "draining-classify"
	StateDrainingTranslate State = "draining-translate"
	StateIdle              State = "idle-wait"
	// StateHeld means the circuit breaker is open; no work is dequeued.
	StateHeld State = "held"
)

// Store is the part of the item store the loop uses.
type Store interface {
	GetControl(ctx context.Context) (model.ControlState, error)
	SelectPending(ctx context.Context, stage model.Stage, limit int) ([]model.VocabItem, error)
	CommitClassify(ctx context.Context, updates []model.ClassifyUpdate) error
	CommitTranslate(ctx context.Context, updates []model.TranslateUpdate) error
	MarkFailed(ctx context.Context, stage model.Stage, words []string) error
	RecordBatch(ctx context.Context, run model.BatchRun) error
}

// Processor turns one chunk into updates. *enrich.Processor implements it.
type Processor interface {
	Classify(ctx context.Context, modelID string, chunk []model.VocabItem) enrich.ChunkResult[model.ClassifyUpdate]
	Translate(ctx context.Context, modelID string, chunk []model.VocabItem) enrich.ChunkResult[model.TranslateUpdate]
}

// Config controls batch sizing and loop pacing.
type Config struct {
	BatchSize     int           // items per chunk (default 50)
	Concurrency   int           // chunks in flight (default 20)
	IdleInterval  time.Duration // wait when nothing is pending (default 5s)
	PauseInterval time.Duration // wait while paused (default 2s)
	DefaultModel  string        // used when the control switch names no model
}

// SuperBatch is the number of items selected per iteration.
func (c Config) SuperBatch() int {
	return c.BatchSize * c.Concurrency
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 20
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 5 * time.Second
	}
	if c.PauseInterval <= 0 {
		c.PauseInterval = 2 * time.Second
	}
	return c
}

// Scheduler is the single control goroutine of the pipeline. Workers it
// starts never touch the store.
type Scheduler struct {
	store   Store
	proc    Processor
	breaker *resilience.CircuitBreaker
	cfg     Config

	// Test hooks.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	newID func() string

	lastRunState model.RunState
}

// New creates a Scheduler. A nil breaker disables the circuit gate.
func New(st Store, proc Processor, breaker *resilience.CircuitBreaker, cfg Config) *Scheduler {
	return &Scheduler{
		store:   st,
		proc:    proc,
		breaker: breaker,
		cfg:     cfg.withDefaults(),
		sleep:   sleepContext,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// Run loops until ctx is cancelled and returns ctx.Err(). Store failures are
// logged and retried after the idle interval.
func (s *Scheduler) Run(ctx context.Context) error {
	zap.L().Info("scheduler: started",
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("concurrency", s.cfg.Concurrency),
	)
	for {
		if err := ctx.Err(); err != nil {
			zap.L().Info("scheduler: stopped")
			return err
		}

		state, err := s.Step(ctx)
		if err != nil {
			zap.L().Error("scheduler: iteration failed",
				zap.String("state", string(state)), zap.Error(err))
		}

		if wait := s.waitAfter(state, err); wait > 0 {
			if serr := s.sleep(ctx, wait); serr != nil {
				zap.L().Info("scheduler: stopped")
				return ctx.Err()
			}
		}
	}
}

func (s *Scheduler) waitAfter(state State, err error) time.Duration {
	if err != nil {
		return s.cfg.IdleInterval
	}
	switch state {
	case StatePaused:
		return s.cfg.PauseInterval
	case StateIdle, StateHeld:
		return s.cfg.IdleInterval
	default:
		return 0
	}
}

// Step runs one iteration without sleeping and reports what it did.
func (s *Scheduler) Step(ctx context.Context) (State, error) {
	ctrl, err := s.store.GetControl(ctx)
	if err != nil {
		return StateIdle, eris.Wrap(err, "scheduler: read control")
	}
	s.observeRunState(ctrl.RunState)
	if !ctrl.Running() {
		return StatePaused, nil
	}

	limit, ok := s.gate()
	if !ok {
		return StateHeld, nil
	}

	// The model is captured once and used for every chunk of the iteration.
	modelID := ctrl.Model
	if modelID == "" {
		modelID = s.cfg.DefaultModel
	}

	items, err := s.store.SelectPending(ctx, model.StageClassify, limit)
	if err != nil {
		return StateIdle, eris.Wrap(err, "scheduler: select classify")
	}
	if len(items) > 0 {
		return StateDrainingClassify, drain(ctx, s, model.StageClassify, modelID, items,
			s.proc.Classify, s.store.CommitClassify)
	}

	items, err = s.store.SelectPending(ctx, model.StageTranslate, limit)
	if err != nil {
		return StateIdle, eris.Wrap(err, "scheduler: select translate")
	}
	if len(items) > 0 {
		return StateDrainingTranslate, drain(ctx, s, model.StageTranslate, modelID, items,
			s.proc.Translate, s.store.CommitTranslate)
	}

	return StateIdle, nil
}

func (s *Scheduler) observeRunState(state model.RunState) {
	if state == s.lastRunState {
		return
	}
	if s.lastRunState == "" {
		zap.L().Info("scheduler: control switch", zap.String("status", string(state)))
	} else {
		zap.L().Info("scheduler: control switch changed",
			zap.String("from", string(s.lastRunState)),
			zap.String("to", string(state)),
		)
		// An operator resume clears a tripped breaker.
		if state == model.RunStateRunning && s.breaker != nil {
			s.breaker.Reset()
		}
	}
	s.lastRunState = state
}

// gate asks the breaker whether work may be dequeued and how much. A
// half-open breaker admits a single trial chunk.
func (s *Scheduler) gate() (int, bool) {
	if s.breaker == nil {
		return s.cfg.SuperBatch(), true
	}
	if !s.breaker.Allow() {
		return 0, false
	}
	if s.breaker.State() == resilience.CircuitHalfOpen {
		return s.cfg.BatchSize, true
	}
	return s.cfg.SuperBatch(), true
}

// drain fans the super-batch out in chunks, folds results as they complete,
// then writes one commit for the successes and one failure mark for the
// rest.
func drain[U any](
	ctx context.Context,
	s *Scheduler,
	stage model.Stage,
	modelID string,
	items []model.VocabItem,
	process func(context.Context, string, []model.VocabItem) enrich.ChunkResult[U],
	commit func(context.Context, []U) error,
) error {
	log := zap.L().With(
		zap.String("stage", string(stage)),
		zap.String("model", modelID),
	)

	run := model.BatchRun{
		ID:        s.newID(),
		Stage:     stage,
		Model:     modelID,
		Items:     len(items),
		StartedAt: s.now().UTC(),
	}
	chunks := chunkItems(items, s.cfg.BatchSize)
	run.Chunks = len(chunks)
	log.Info("scheduler: draining super-batch",
		zap.String("batch_id", run.ID),
		zap.Int("items", run.Items),
		zap.Int("chunks", run.Chunks),
	)

	// In-flight chunks finish even when the loop is shutting down.
	workCtx := context.WithoutCancel(ctx)
	results := make(chan enrich.ChunkResult[U], len(chunks))

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	go func() {
		for _, chunk := range chunks {
			g.Go(func() error {
				results <- process(workCtx, modelID, chunk)
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	var updates []U
	var failed []string
	for res := range results {
		if s.breaker != nil {
			s.breaker.Record(res.Err)
		}
		if res.Failed() {
			run.Failed++
			failed = append(failed, res.Words()...)
			continue
		}
		run.Succeeded++
		updates = append(updates, res.Updates...)
	}

	var errs []error
	if len(updates) > 0 {
		if err := commit(workCtx, updates); err != nil {
			errs = append(errs, eris.Wrapf(err, "scheduler: commit %s", stage))
		}
	}
	if len(failed) > 0 {
		if err := s.store.MarkFailed(workCtx, stage, failed); err != nil {
			errs = append(errs, eris.Wrapf(err, "scheduler: mark failed %s", stage))
		}
	}

	run.FinishedAt = s.now().UTC()
	if err := s.store.RecordBatch(workCtx, run); err != nil {
		log.Warn("scheduler: record batch failed", zap.String("batch_id", run.ID), zap.Error(err))
	}

	log.Info("scheduler: super-batch committed",
		zap.String("batch_id", run.ID),
		zap.Int("succeeded_chunks", run.Succeeded),
		zap.Int("failed_chunks", run.Failed),
		zap.Int("updates", len(updates)),
		zap.Int("failed_items", len(failed)),
		zap.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)),
	)

	return errors.Join(errs...)
}

// chunkItems splits items into consecutive chunks of at most size.
func chunkItems(items []model.VocabItem, size int) [][]model.VocabItem {
	var chunks [][]model.VocabItem
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
