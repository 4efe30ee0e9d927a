// Package store persists vocabulary items, the control switch, and the
// batch audit log. SQLite is the default backend; Postgres is available for
// shared deployments.
package store

import (
	"context"

	"github.com/sells-group/vocab-cli/internal/model"
)

// Control switch keys in app_config.
const (
	keyWorkerStatus = "worker_status"
	keyModelName    = "model_name"
)

// Store defines the persistence interface for the enrichment pipeline.
type Store interface {
	// Items
	InsertIfAbsent(ctx context.Context, items []model.VocabItem) (int, error)
	SelectPending(ctx context.Context, stage model.Stage, limit int) ([]model.VocabItem, error)
	CommitClassify(ctx context.Context, updates []model.ClassifyUpdate) error
	CommitTranslate(ctx context.Context, updates []model.TranslateUpdate) error
	MarkFailed(ctx context.Context, stage model.Stage, words []string) error

	// Control switch
	EnsureControl(ctx context.Context, defaults model.ControlState) error
	GetControl(ctx context.Context) (model.ControlState, error)
	SetRunState(ctx context.Context, state model.RunState) error
	SetModel(ctx context.Context, modelID string) error

	// Reset actions
	RetryErrors(ctx context.Context, stage model.Stage) (int, error)
	ResetDiscards(ctx context.Context) (int, error)
	ResetTranslations(ctx context.Context) (int, error)

	// Reporting
	Stats(ctx context.Context) (model.StageStats, error)
	RecentItems(ctx context.Context, limit int) ([]model.VocabItem, error)
	RecordBatch(ctx context.Context, run model.BatchRun) error
	ListBatchRuns(ctx context.Context, limit int) ([]model.BatchRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
