package importer

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

const maxLineBytes = 1 << 20

// StreamTSV reads tab-separated lines from r and sends the fields of each
// non-blank line. Quotes carry no meaning. Both channels are closed when
// processing completes.
func StreamTSV(ctx context.Context, r io.Reader) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

		first := true
		for scanner.Scan() {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "tsv: context cancelled")
				return
			}

			line := scanner.Text()
			if first {
				line = strings.TrimPrefix(line, "\ufeff")
				first = false
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			select {
			case rowCh <- strings.Split(line, "\t"):
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "tsv: context cancelled")
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- eris.Wrap(err, "tsv: read line")
		}
	}()

	return rowCh, errCh
}
