package importer

import (
	"context"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vocab-cli/internal/resilience"
)

// Format is the word-list encoding.
type Format string

const (
	FormatTSV  Format = "tsv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat picks the format from the file extension. Anything that is
// not a workbook is read as tab-separated text.
func DetectFormat(src string) Format {
	name := src
	if isURL(src) {
		name = strings.SplitN(src, "?", 2)[0]
	}
	if strings.EqualFold(path.Ext(name), ".xlsx") {
		return FormatXLSX
	}
	return FormatTSV
}

func isURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// download fetches url into a temp file and returns its path. The caller
// removes the file.
func download(ctx context.Context, client *http.Client, retry resilience.RetryConfig, url string) (string, error) {
	if retry.ShouldRetry == nil {
		retry.ShouldRetry = resilience.IsTransient
	}
	if retry.OnAttemptFailed == nil {
		retry.OnAttemptFailed = resilience.AttemptLogger("http", "download", retry.MaxAttempts)
	}

	out := resilience.Call(ctx, retry, func(ctx context.Context) (string, error) {
		return downloadOnce(ctx, client, url)
	})
	if !out.OK {
		return "", eris.Wrapf(out.Err, "importer: download %s", url)
	}
	return out.Value, nil
}

func downloadOnce(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", eris.Wrap(err, "http: create request")
	}
	req.Header.Set("User-Agent", "vocab-cli/1.0")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "http: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("http: unexpected status %d for %s", resp.StatusCode, url)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(err, resp.StatusCode)
		}
		return "", err
	}

	f, err := os.CreateTemp("", "vocab-import-*"+path.Ext(strings.SplitN(url, "?", 2)[0]))
	if err != nil {
		return "", eris.Wrap(err, "http: create temp file")
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name()) //nolint:errcheck
		return "", resilience.NewTransientError(eris.Wrap(err, "http: read body"), 0)
	}

	zap.L().Debug("importer: downloaded word list",
		zap.String("url", url),
		zap.Int64("bytes", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return f.Name(), nil
}
