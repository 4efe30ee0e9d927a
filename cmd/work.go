package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/vocab-cli/internal/enrich"
	"github.com/sells-group/vocab-cli/internal/model"
	"github.com/sells-group/vocab-cli/internal/monitoring"
	"github.com/sells-group/vocab-cli/internal/resilience"
	"github.com/sells-group/vocab-cli/internal/scheduler"
	"github.com/sells-group/vocab-cli/internal/store"
	"github.com/sells-group/vocab-cli/internal/taxonomy"
	"github.com/sells-group/vocab-cli/pkg/anthropic"
)

var (
	workBatchSize   int
	workConcurrency int
	workStart       bool
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the enrichment worker loop",
	Long:  "Drains classify-pending items first, then translate-pending items, in super-batches. Obeys the control switch: a paused worker polls without calling the API.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if workBatchSize > 0 {
			cfg.Pipeline.BatchSize = workBatchSize
		}
		if workConcurrency > 0 {
			cfg.Pipeline.Concurrency = workConcurrency
		}
		if err := cfg.Validate("work"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if workStart {
			if err := st.SetRunState(ctx, model.RunStateRunning); err != nil {
				return eris.Wrap(err, "start worker")
			}
		}

		sched, breaker, err := buildScheduler(st)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return sched.Run(gctx)
		})
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(st).WithBreaker(breaker),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		zap.L().Info("worker started",
			zap.Int("batch_size", cfg.Pipeline.BatchSize),
			zap.Int("concurrency", cfg.Pipeline.Concurrency),
			zap.Bool("monitoring", cfg.Monitoring.Enabled),
		)

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return eris.Wrap(err, "worker")
		}
		zap.L().Info("worker stopped")
		return nil
	},
}

// buildScheduler wires the generator, processor and circuit breaker from cfg.
func buildScheduler(st store.Store) (*scheduler.Scheduler, *resilience.CircuitBreaker, error) {
	tax, err := taxonomy.Load(cfg.Taxonomy.Path)
	if err != nil {
		return nil, nil, eris.Wrap(err, "load taxonomy")
	}
	zap.L().Info("taxonomy loaded",
		zap.String("path", cfg.Taxonomy.Path),
		zap.Int("tags", tax.Size()),
		zap.Strings("always_keep_levels", tax.AlwaysKeepLevels),
	)

	var opts []option.RequestOption
	if cfg.Anthropic.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	client := anthropic.NewClient(cfg.Anthropic.Key, opts...)
	gen := enrich.NewAnthropicGenerator(client, cfg.Anthropic.MaxTokens, cfg.Anthropic.RequestsPerSecond)

	proc := enrich.NewProcessor(gen, tax, enrich.Languages{
		Source: cfg.Pipeline.SourceLanguage,
		Target: cfg.Pipeline.TargetLanguage,
	}, retryConfig())

	breakerCfg := resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs)
	breakerCfg.OnStateChange = logCircuitChange
	breaker := resilience.NewCircuitBreaker(breakerCfg)

	sched := scheduler.New(st, proc, breaker, scheduler.Config{
		BatchSize:     cfg.Pipeline.BatchSize,
		Concurrency:   cfg.Pipeline.Concurrency,
		IdleInterval:  time.Duration(cfg.Pipeline.IdleIntervalSecs) * time.Second,
		PauseInterval: time.Duration(cfg.Pipeline.PauseIntervalSecs) * time.Second,
		DefaultModel:  cfg.Anthropic.Model,
	})
	return sched, breaker, nil
}

// retryConfig builds the bounded-attempt policy from cfg.
func retryConfig() resilience.RetryConfig {
	return resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.BaseWaitMs, cfg.Retry.Multiplier,
		cfg.Retry.RateLimitMarginMs, cfg.Retry.DefaultRateLimitWaitMs, cfg.Retry.JitterFraction)
}

func logCircuitChange(from, to resilience.CircuitState) {
	log := zap.L().With(zap.String("from", from.String()), zap.String("to", to.String()))
	switch to {
	case resilience.CircuitOpen:
		log.Warn("circuit open, holding work back")
	case resilience.CircuitHalfOpen:
		log.Info("circuit half-open, trying one chunk")
	default:
		log.Info("circuit closed, resuming dequeue")
	}
}

func init() {
	workCmd.Flags().IntVar(&workBatchSize, "batch-size", 0, "items per chunk (default from config)")
	workCmd.Flags().IntVar(&workConcurrency, "concurrency", 0, "chunks in flight (default from config)")
	workCmd.Flags().BoolVar(&workStart, "start", false, "set the control switch to running before starting")
	rootCmd.AddCommand(workCmd)
}
