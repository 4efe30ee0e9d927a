package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/vocab-cli/internal/db"
	"github.com/sells-group/vocab-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the scheduler's hot path.
var preparedStatements = map[string]string{
	"select_pending_classify":  `SELECT ` + pgItemColumns + ` FROM vocab_items WHERE classify_stage = 0 ORDER BY imported_at, word LIMIT $1`,
	"select_pending_translate": `SELECT ` + pgItemColumns + ` FROM vocab_items WHERE status = 'keep' AND translate_stage = 0 ORDER BY imported_at, word LIMIT $1`,
	"get_control":              `SELECT key, value FROM app_config WHERE key = ANY($1)`,
	"insert_batch_run":         `INSERT INTO batch_runs (id, stage, model, items, chunks, succeeded, failed, started_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS vocab_items (
	word             TEXT PRIMARY KEY,
	level            TEXT NOT NULL DEFAULT '',
	hint             TEXT NOT NULL DEFAULT '',
	tags             JSONB NOT NULL DEFAULT '[]'::jsonb,
	status           TEXT NOT NULL DEFAULT 'pending',
	classify_stage   SMALLINT NOT NULL DEFAULT 0,
	translate_stage  SMALLINT NOT NULL DEFAULT 0,
	definition       TEXT NOT NULL DEFAULT '',
	phonetic         TEXT NOT NULL DEFAULT '',
	context_sentence TEXT NOT NULL DEFAULT '',
	imported_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS app_config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	stage       TEXT NOT NULL,
	model       TEXT NOT NULL,
	items       INTEGER NOT NULL,
	chunks      INTEGER NOT NULL,
	succeeded   INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vocab_items_classify ON vocab_items(classify_stage);
CREATE INDEX IF NOT EXISTS idx_vocab_items_translate ON vocab_items(status, translate_stage);
CREATE INDEX IF NOT EXISTS idx_vocab_items_updated_at ON vocab_items(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_batch_runs_started_at ON batch_runs(started_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Items

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, items []model.VocabItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(items))
	for i, it := range items {
		rows[i] = []any{it.Word, it.Level, it.Hint}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "vocab_items",
		Columns:      []string{"word", "level", "hint"},
		ConflictKeys: []string{"word"},
		DoNothing:    true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert items")
	}
	return int(n), nil
}

func (s *PostgresStore) SelectPending(ctx context.Context, stage model.Stage, limit int) ([]model.VocabItem, error) {
	if err := validateStage(stage); err != nil {
		return nil, eris.Wrap(err, "postgres: select pending")
	}
	query := preparedStatements["select_pending_classify"]
	if stage == model.StageTranslate {
		query = preparedStatements["select_pending_translate"]
	}
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: select pending %s", stage)
	}
	defer rows.Close()
	return pgScanItems(rows)
}

func (s *PostgresStore) CommitClassify(ctx context.Context, updates []model.ClassifyUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	rows := make([][]any, len(updates))
	for i, u := range updates {
		tags, err := encodeTags(u.Tags)
		if err != nil {
			return eris.Wrap(err, "postgres")
		}
		rows[i] = []any{u.Word, tags, string(u.Status)}
	}
	_, err := db.BulkUpdate(ctx, s.pool, db.UpdateConfig{
		Table:   "vocab_items",
		Key:     "word",
		Columns: []string{"word", "tags", "status"},
		Set:     []string{"classify_stage = 1", "updated_at = now()"},
		Where:   "t.classify_stage = 0",
	}, rows)
	return eris.Wrap(err, "postgres: commit classify")
}

func (s *PostgresStore) CommitTranslate(ctx context.Context, updates []model.TranslateUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	rows := make([][]any, len(updates))
	for i, u := range updates {
		rows[i] = []any{u.Word, u.Definition, u.Phonetic, u.ContextSentence}
	}
	_, err := db.BulkUpdate(ctx, s.pool, db.UpdateConfig{
		Table:   "vocab_items",
		Key:     "word",
		Columns: []string{"word", "definition", "phonetic", "context_sentence"},
		Set:     []string{"translate_stage = 1", "updated_at = now()"},
		Where:   "t.status = 'keep' AND t.translate_stage = 0",
	}, rows)
	return eris.Wrap(err, "postgres: commit translate")
}

func (s *PostgresStore) MarkFailed(ctx context.Context, stage model.Stage, words []string) error {
	if len(words) == 0 {
		return nil
	}
	if err := validateStage(stage); err != nil {
		return eris.Wrap(err, "postgres: mark failed")
	}
	query := `UPDATE vocab_items SET classify_stage = 2, updated_at = now()
	          WHERE classify_stage = 0 AND word = ANY($1)`
	if stage == model.StageTranslate {
		query = `UPDATE vocab_items SET translate_stage = 2, updated_at = now()
		         WHERE status = 'keep' AND translate_stage = 0 AND word = ANY($1)`
	}
	_, err := s.pool.Exec(ctx, query, words)
	return eris.Wrapf(err, "postgres: mark failed %s", stage)
}

// Control switch

func (s *PostgresStore) EnsureControl(ctx context.Context, defaults model.ControlState) error {
	if err := validateRunState(defaults.RunState); err != nil {
		return eris.Wrap(err, "postgres: ensure control")
	}

	const seed = `INSERT INTO app_config (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`
	batch := &pgx.Batch{}
	batch.Queue(seed, keyWorkerStatus, string(defaults.RunState))
	batch.Queue(seed, keyModelName, defaults.Model)

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close() //nolint:errcheck
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return eris.Wrap(err, "postgres: seed control")
		}
	}
	return nil
}

func (s *PostgresStore) GetControl(ctx context.Context) (model.ControlState, error) {
	rows, err := s.pool.Query(ctx, preparedStatements["get_control"], []string{keyWorkerStatus, keyModelName})
	if err != nil {
		return model.ControlState{}, eris.Wrap(err, "postgres: get control")
	}
	defer rows.Close()

	values := make(map[string]string, 2)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return model.ControlState{}, eris.Wrap(err, "postgres: scan control")
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return model.ControlState{}, eris.Wrap(err, "postgres: get control iterate")
	}
	return controlFromRows(values), nil
}

func (s *PostgresStore) SetRunState(ctx context.Context, state model.RunState) error {
	if err := validateRunState(state); err != nil {
		return eris.Wrap(err, "postgres: set run state")
	}
	return s.setConfig(ctx, keyWorkerStatus, string(state))
}

func (s *PostgresStore) SetModel(ctx context.Context, modelID string) error {
	if err := validateModel(modelID); err != nil {
		return eris.Wrap(err, "postgres: set model")
	}
	return s.setConfig(ctx, keyModelName, modelID)
}

func (s *PostgresStore) setConfig(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO app_config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return eris.Wrapf(err, "postgres: set %s", key)
}

// Reset actions

func (s *PostgresStore) RetryErrors(ctx context.Context, stage model.Stage) (int, error) {
	if err := validateStage(stage); err != nil {
		return 0, eris.Wrap(err, "postgres: retry errors")
	}
	query := `UPDATE vocab_items SET classify_stage = 0, updated_at = now() WHERE classify_stage = 2`
	if stage == model.StageTranslate {
		query = `UPDATE vocab_items SET translate_stage = 0, updated_at = now() WHERE translate_stage = 2`
	}
	return s.execCount(ctx, "retry errors", query)
}

func (s *PostgresStore) ResetDiscards(ctx context.Context) (int, error) {
	return s.execCount(ctx, "reset discards",
		`UPDATE vocab_items SET status = 'pending', classify_stage = 0, tags = '[]'::jsonb, updated_at = now()
		 WHERE status = 'discard'`)
}

func (s *PostgresStore) ResetTranslations(ctx context.Context) (int, error) {
	return s.execCount(ctx, "reset translations",
		`UPDATE vocab_items SET translate_stage = 0, updated_at = now() WHERE status = 'keep'`)
}

func (s *PostgresStore) execCount(ctx context.Context, op, query string, args ...any) (int, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: %s", op)
	}
	return int(tag.RowsAffected()), nil
}

// Reporting

func (s *PostgresStore) Stats(ctx context.Context) (model.StageStats, error) {
	var st model.StageStats
	err := s.pool.QueryRow(ctx, `SELECT
		COUNT(*),
		COUNT(*) FILTER (WHERE classify_stage = 1),
		COUNT(*) FILTER (WHERE classify_stage = 2),
		COUNT(*) FILTER (WHERE status = 'keep' AND classify_stage = 1),
		COUNT(*) FILTER (WHERE status = 'discard' AND classify_stage = 1),
		COUNT(*) FILTER (WHERE status = 'keep' AND translate_stage = 1),
		COUNT(*) FILTER (WHERE status = 'keep' AND translate_stage = 2)
	FROM vocab_items`).Scan(
		&st.Total, &st.Classified, &st.ClassifyFailed, &st.Kept,
		&st.Discarded, &st.Translated, &st.TranslateFailed,
	)
	if err != nil {
		return st, eris.Wrap(err, "postgres: stats")
	}
	st.ComputePercentages()
	return st, nil
}

func (s *PostgresStore) RecentItems(ctx context.Context, limit int) ([]model.VocabItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgItemColumns+` FROM vocab_items WHERE classify_stage IN (1, 2) ORDER BY updated_at DESC LIMIT $1`,
		limitOrDefault(limit, 50))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent items")
	}
	defer rows.Close()
	return pgScanItems(rows)
}

func (s *PostgresStore) RecordBatch(ctx context.Context, run model.BatchRun) error {
	_, err := s.pool.Exec(ctx, preparedStatements["insert_batch_run"],
		run.ID, string(run.Stage), run.Model, run.Items, run.Chunks, run.Succeeded, run.Failed,
		run.StartedAt, run.FinishedAt,
	)
	return eris.Wrapf(err, "postgres: record batch %s", run.ID)
}

func (s *PostgresStore) ListBatchRuns(ctx context.Context, limit int) ([]model.BatchRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, stage, model, items, chunks, succeeded, failed, started_at, finished_at
		 FROM batch_runs ORDER BY started_at DESC LIMIT $1`, limitOrDefault(limit, 20))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batch runs")
	}
	defer rows.Close()

	var runs []model.BatchRun
	for rows.Next() {
		var r model.BatchRun
		var stage string
		if err := rows.Scan(&r.ID, &stage, &r.Model, &r.Items, &r.Chunks, &r.Succeeded, &r.Failed,
			&r.StartedAt, &r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch run")
		}
		r.Stage = model.Stage(stage)
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list batch runs iterate")
}

// helpers

const pgItemColumns = `word, level, hint, tags, status, classify_stage, translate_stage,
	definition, phonetic, context_sentence, updated_at`

func pgScanItems(rows pgx.Rows) ([]model.VocabItem, error) {
	var items []model.VocabItem
	for rows.Next() {
		var it model.VocabItem
		var tags []byte
		var status string
		var classify, translate int16
		if err := rows.Scan(&it.Word, &it.Level, &it.Hint, &tags, &status, &classify, &translate,
			&it.Definition, &it.Phonetic, &it.ContextSentence, &it.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		decoded, err := decodeTags(tags)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: item %s", it.Word)
		}
		it.Tags = decoded
		it.Status = model.Status(status)
		it.ClassifyStage = model.StageState(classify)
		it.TranslateStage = model.StageState(translate)
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate items")
}
