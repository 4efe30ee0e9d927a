package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/vocab-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS vocab_items (
	word             TEXT PRIMARY KEY,
	level            TEXT NOT NULL DEFAULT '',
	hint             TEXT NOT NULL DEFAULT '',
	tags             TEXT NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL DEFAULT 'pending',
	classify_stage   INTEGER NOT NULL DEFAULT 0,
	translate_stage  INTEGER NOT NULL DEFAULT 0,
	definition       TEXT NOT NULL DEFAULT '',
	phonetic         TEXT NOT NULL DEFAULT '',
	context_sentence TEXT NOT NULL DEFAULT '',
	imported_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS app_config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_runs (
	id          TEXT PRIMARY KEY,
	stage       TEXT NOT NULL,
	model       TEXT NOT NULL,
	items       INTEGER NOT NULL,
	chunks      INTEGER NOT NULL,
	succeeded   INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vocab_items_classify ON vocab_items(classify_stage);
CREATE INDEX IF NOT EXISTS idx_vocab_items_translate ON vocab_items(status, translate_stage);
CREATE INDEX IF NOT EXISTS idx_vocab_items_updated_at ON vocab_items(updated_at);
CREATE INDEX IF NOT EXISTS idx_batch_runs_started_at ON batch_runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s: begin tx", op)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: %s: commit", op)
}

func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, items []model.VocabItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	var inserted int64
	err := s.withTx(ctx, "insert items", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO vocab_items (word, level, hint, tags, status, classify_stage, translate_stage, imported_at, updated_at)
			 VALUES (?, ?, ?, '[]', ?, ?, ?, ?, ?)`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare insert")
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, it := range items {
			res, err := stmt.ExecContext(ctx, it.Word, it.Level, it.Hint,
				string(model.StatusPending), int(model.StageUnprocessed), int(model.StageUnprocessed), now, now)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert item %s", it.Word)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(inserted), nil
}

func (s *SQLiteStore) SelectPending(ctx context.Context, stage model.Stage, limit int) ([]model.VocabItem, error) {
	if err := validateStage(stage); err != nil {
		return nil, eris.Wrap(err, "sqlite: select pending")
	}

	query := selectItemColumns + ` FROM vocab_items WHERE classify_stage = 0 ORDER BY rowid LIMIT ?`
	if stage == model.StageTranslate {
		query = selectItemColumns + ` FROM vocab_items WHERE status = 'keep' AND translate_stage = 0 ORDER BY rowid LIMIT ?`
	}

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: select pending %s", stage)
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *SQLiteStore) CommitClassify(ctx context.Context, updates []model.ClassifyUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.withTx(ctx, "commit classify", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE vocab_items SET tags = ?, status = ?, classify_stage = 1, updated_at = ?
			 WHERE word = ? AND classify_stage = 0`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare classify update")
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, u := range updates {
			tags, err := encodeTags(u.Tags)
			if err != nil {
				return eris.Wrap(err, "sqlite")
			}
			if _, err := stmt.ExecContext(ctx, string(tags), string(u.Status), now, u.Word); err != nil {
				return eris.Wrapf(err, "sqlite: classify update %s", u.Word)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) CommitTranslate(ctx context.Context, updates []model.TranslateUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.withTx(ctx, "commit translate", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE vocab_items SET definition = ?, phonetic = ?, context_sentence = ?, translate_stage = 1, updated_at = ?
			 WHERE word = ? AND status = 'keep' AND translate_stage = 0`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare translate update")
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, u := range updates {
			if _, err := stmt.ExecContext(ctx, u.Definition, u.Phonetic, u.ContextSentence, now, u.Word); err != nil {
				return eris.Wrapf(err, "sqlite: translate update %s", u.Word)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, stage model.Stage, words []string) error {
	if len(words) == 0 {
		return nil
	}
	if err := validateStage(stage); err != nil {
		return eris.Wrap(err, "sqlite: mark failed")
	}

	wordsJSON, err := json.Marshal(words)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal words")
	}

	query := `UPDATE vocab_items SET classify_stage = 2, updated_at = ?
	          WHERE classify_stage = 0 AND word IN (SELECT value FROM json_each(?))`
	if stage == model.StageTranslate {
		query = `UPDATE vocab_items SET translate_stage = 2, updated_at = ?
		         WHERE status = 'keep' AND translate_stage = 0 AND word IN (SELECT value FROM json_each(?))`
	}

	_, err = s.db.ExecContext(ctx, query, time.Now().UTC(), string(wordsJSON))
	return eris.Wrapf(err, "sqlite: mark failed %s", stage)
}

// Control switch

func (s *SQLiteStore) EnsureControl(ctx context.Context, defaults model.ControlState) error {
	if err := validateRunState(defaults.RunState); err != nil {
		return eris.Wrap(err, "sqlite: ensure control")
	}
	return s.withTx(ctx, "ensure control", func(tx *sql.Tx) error {
		for k, v := range map[string]string{
			keyWorkerStatus: string(defaults.RunState),
			keyModelName:    defaults.Model,
		} {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO app_config (key, value) VALUES (?, ?)`, k, v); err != nil {
				return eris.Wrapf(err, "sqlite: seed %s", k)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetControl(ctx context.Context) (model.ControlState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM app_config WHERE key IN (?, ?)`, keyWorkerStatus, keyModelName)
	if err != nil {
		return model.ControlState{}, eris.Wrap(err, "sqlite: get control")
	}
	defer rows.Close()

	values := make(map[string]string, 2)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return model.ControlState{}, eris.Wrap(err, "sqlite: scan control")
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return model.ControlState{}, eris.Wrap(err, "sqlite: get control iterate")
	}
	return controlFromRows(values), nil
}

func (s *SQLiteStore) SetRunState(ctx context.Context, state model.RunState) error {
	if err := validateRunState(state); err != nil {
		return eris.Wrap(err, "sqlite: set run state")
	}
	return s.setConfig(ctx, keyWorkerStatus, string(state))
}

func (s *SQLiteStore) SetModel(ctx context.Context, modelID string) error {
	if err := validateModel(modelID); err != nil {
		return eris.Wrap(err, "sqlite: set model")
	}
	return s.setConfig(ctx, keyModelName, modelID)
}

func (s *SQLiteStore) setConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return eris.Wrapf(err, "sqlite: set %s", key)
}

// Reset actions

func (s *SQLiteStore) RetryErrors(ctx context.Context, stage model.Stage) (int, error) {
	if err := validateStage(stage); err != nil {
		return 0, eris.Wrap(err, "sqlite: retry errors")
	}
	query := `UPDATE vocab_items SET classify_stage = 0, updated_at = ? WHERE classify_stage = 2`
	if stage == model.StageTranslate {
		query = `UPDATE vocab_items SET translate_stage = 0, updated_at = ? WHERE translate_stage = 2`
	}
	return s.execCount(ctx, "retry errors", query, time.Now().UTC())
}

func (s *SQLiteStore) ResetDiscards(ctx context.Context) (int, error) {
	return s.execCount(ctx, "reset discards",
		`UPDATE vocab_items SET status = 'pending', classify_stage = 0, tags = '[]', updated_at = ?
		 WHERE status = 'discard'`, time.Now().UTC())
}

func (s *SQLiteStore) ResetTranslations(ctx context.Context) (int, error) {
	return s.execCount(ctx, "reset translations",
		`UPDATE vocab_items SET translate_stage = 0, updated_at = ? WHERE status = 'keep'`, time.Now().UTC())
}

func (s *SQLiteStore) execCount(ctx context.Context, op, query string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: %s", op)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Reporting

func (s *SQLiteStore) Stats(ctx context.Context) (model.StageStats, error) {
	var st model.StageStats
	err := s.db.QueryRowContext(ctx, statsQuery).Scan(
		&st.Total, &st.Classified, &st.ClassifyFailed, &st.Kept,
		&st.Discarded, &st.Translated, &st.TranslateFailed,
	)
	if err != nil {
		return st, eris.Wrap(err, "sqlite: stats")
	}
	st.ComputePercentages()
	return st, nil
}

func (s *SQLiteStore) RecentItems(ctx context.Context, limit int) ([]model.VocabItem, error) {
	rows, err := s.db.QueryContext(ctx,
		selectItemColumns+` FROM vocab_items WHERE classify_stage IN (1, 2) ORDER BY updated_at DESC, rowid DESC LIMIT ?`,
		limitOrDefault(limit, 50))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent items")
	}
	defer rows.Close()
	return scanItems(rows)
}

func (s *SQLiteStore) RecordBatch(ctx context.Context, run model.BatchRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_runs (id, stage, model, items, chunks, succeeded, failed, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Stage), run.Model, run.Items, run.Chunks, run.Succeeded, run.Failed,
		run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: record batch %s", run.ID)
}

func (s *SQLiteStore) ListBatchRuns(ctx context.Context, limit int) ([]model.BatchRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stage, model, items, chunks, succeeded, failed, started_at, finished_at
		 FROM batch_runs ORDER BY started_at DESC LIMIT ?`, limitOrDefault(limit, 20))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batch runs")
	}
	defer rows.Close()

	var runs []model.BatchRun
	for rows.Next() {
		var r model.BatchRun
		var stage string
		if err := rows.Scan(&r.ID, &stage, &r.Model, &r.Items, &r.Chunks, &r.Succeeded, &r.Failed,
			&r.StartedAt, &r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch run")
		}
		r.Stage = model.Stage(stage)
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list batch runs iterate")
}

// helpers

const selectItemColumns = `SELECT word, level, hint, tags, status, classify_stage, translate_stage,
	definition, phonetic, context_sentence, updated_at`

const statsQuery = `SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN classify_stage = 1 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN classify_stage = 2 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'keep' AND classify_stage = 1 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'discard' AND classify_stage = 1 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'keep' AND translate_stage = 1 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'keep' AND translate_stage = 2 THEN 1 ELSE 0 END), 0)
FROM vocab_items`

func scanItem(row scannable) (model.VocabItem, error) {
	var it model.VocabItem
	var tags, status string
	var classify, translate int
	if err := row.Scan(&it.Word, &it.Level, &it.Hint, &tags, &status, &classify, &translate,
		&it.Definition, &it.Phonetic, &it.ContextSentence, &it.UpdatedAt); err != nil {
		return it, eris.Wrap(err, "sqlite: scan item")
	}
	decoded, err := decodeTags([]byte(tags))
	if err != nil {
		return it, eris.Wrapf(err, "sqlite: item %s", it.Word)
	}
	it.Tags = decoded
	it.Status = model.Status(status)
	it.ClassifyStage = model.StageState(classify)
	it.TranslateStage = model.StageState(translate)
	return it, nil
}

func scanItems(rows *sql.Rows) ([]model.VocabItem, error) {
	var items []model.VocabItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate items")
}
