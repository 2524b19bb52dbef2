package passthrough

import (
	"bytes"
	"context"
	"errors"
	"time"

	"atbridge_go/internal/shared/neterr"
)

// ErrBusy may be wrapped by a Sink to ask for a retry after the poll interval.
var ErrBusy = errors.New("sink busy")

// Sink receives drained bytes, normally the socket of the engaged connection.
type Sink interface {
	Send(ctx context.Context, p []byte) (int, error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, p []byte) (int, error)

func (f SinkFunc) Send(ctx context.Context, p []byte) (int, error) { return f(ctx, p) }

func retryable(err error) bool {
	return errors.Is(err, ErrBusy) || neterr.IsTransient(err)
}

// SendChunked drains b into sink in chunkSize pieces.
//
// With flush=false a trailing partial chunk stays in the buffer, so a second
// call without new data sends nothing. If the unsent content is exactly the
// terminator nothing is sent and terminated is true. Transient sink errors are
// retried every poll until ctx ends. A chunkSize below 1 means the whole
// buffer capacity.
func SendChunked(ctx context.Context, b *Buffer, sink Sink, chunkSize int, poll time.Duration, terminator []byte, flush bool) (sent int, terminated bool, err error) {
	if chunkSize < 1 {
		chunkSize = max(b.Cap(), 1)
	}
	if len(terminator) > 0 && bytes.Equal(b.unsent(), terminator) {
		b.advance(b.Remaining())
		return 0, true, nil
	}
	for b.Remaining() > 0 {
		n := min(chunkSize, b.Remaining())
		if !flush && n < chunkSize {
			break
		}
		chunk := b.unsent()[:n]
		for len(chunk) > 0 {
			w, err := sink.Send(ctx, chunk)
			if w > 0 {
				chunk = chunk[w:]
				b.advance(w)
				sent += w
			}
			if err == nil && w > 0 {
				continue
			}
			if err != nil && !retryable(err) {
				return sent, false, err
			}
			if werr := sleepCtx(ctx, poll); werr != nil {
				return sent, false, werr
			}
		}
	}
	return sent, false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
