package importer

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vocab-cli/internal/model"
	"github.com/sells-group/vocab-cli/internal/resilience"
)

// Inserter is the store operation the importer needs.
type Inserter interface {
	InsertIfAbsent(ctx context.Context, items []model.VocabItem) (int, error)
}

// Options configures an Importer.
type Options struct {
	Format     Format // empty = detect from the source name
	Sheet      XLSXOptions
	BatchSize  int // rows per insert (default 1000)
	HTTPClient *http.Client
	Retry      resilience.RetryConfig
}

// Result summarises one import.
type Result struct {
	Rows       int `json:"rows"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates"`
	Inserted   int `json:"inserted"`
}

// Existing is the number of valid, distinct words that were already stored.
func (r Result) Existing() int {
	return r.Rows - r.Skipped - r.Duplicates - r.Inserted
}

// Importer loads word lists into the store.
type Importer struct {
	store Inserter
	opts  Options
}

// New creates an Importer.
func New(st Inserter, opts Options) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	return &Importer{store: st, opts: opts}
}

// Import reads src, a local path or an http(s) URL, and inserts every new
// word. Re-importing the same list is a no-op.
func (im *Importer) Import(ctx context.Context, src string) (Result, error) {
	format := im.opts.Format
	if format == "" {
		format = DetectFormat(src)
	}

	local := src
	if isURL(src) {
		tmp, err := download(ctx, im.opts.HTTPClient, im.opts.Retry, src)
		if err != nil {
			return Result{}, err
		}
		defer os.Remove(tmp) //nolint:errcheck
		local = tmp
	}

	log := zap.L().With(zap.String("source", src), zap.String("format", string(format)))
	log.Info("importer: reading word list")

	var rows <-chan []string
	var errs <-chan error
	switch format {
	case FormatXLSX:
		rows, errs = StreamXLSX(ctx, local, im.opts.Sheet)
	case FormatTSV:
		f, err := os.Open(local)
		if err != nil {
			return Result{}, eris.Wrapf(err, "importer: open %s", src)
		}
		defer f.Close() //nolint:errcheck
		rows, errs = StreamTSV(ctx, f)
	default:
		return Result{}, eris.Errorf("importer: unsupported format %q", format)
	}

	res, err := im.consume(ctx, rows, errs)
	if err != nil {
		return res, err
	}
	log.Info("importer: done",
		zap.Int("rows", res.Rows),
		zap.Int("skipped", res.Skipped),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("inserted", res.Inserted),
		zap.Int("existing", res.Existing()),
	)
	return res, nil
}

// consume parses rows, drops in-file duplicates (first occurrence wins) and
// inserts in batches.
func (im *Importer) consume(ctx context.Context, rows <-chan []string, errs <-chan error) (Result, error) {
	var res Result
	seen := make(map[string]struct{})
	batch := make([]model.VocabItem, 0, im.opts.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := im.store.InsertIfAbsent(ctx, batch)
		if err != nil {
			return eris.Wrap(err, "importer: insert batch")
		}
		res.Inserted += n
		batch = batch[:0]
		return nil
	}

	for fields := range rows {
		res.Rows++
		item, ok := ParseFields(fields)
		if !ok {
			res.Skipped++
			continue
		}
		if _, dup := seen[item.Word]; dup {
			res.Duplicates++
			continue
		}
		seen[item.Word] = struct{}{}

		batch = append(batch, item)
		if len(batch) >= im.opts.BatchSize {
			if err := flush(); err != nil {
				drain(rows)
				return res, err
			}
		}
	}
	if err := <-errs; err != nil {
		return res, eris.Wrap(err, "importer: read rows")
	}
	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}

// drain lets a reader goroutine finish after an early return.
func drain(rows <-chan []string) {
	go func() {
		for range rows {
		}
	}()
}
