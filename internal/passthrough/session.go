package passthrough

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Source is the host side of a session.
type Source interface {
	Read(ctx context.Context, p []byte) (int, error)
	// Idle reports that no further input is pending right now.
	Idle() bool
}

// RunSession pumps src into a fresh Manager and drains it to sink until the
// terminator arrives, peerClosed fires, the host stream ends or ctx is done.
// A terminator ends the session cleanly with a nil error. The reader stops as
// soon as it has handed over a buffer holding only the terminator, so bytes
// that follow it remain in src for normal command reception.
func RunSession(ctx context.Context, opts Options, src Source, sink Sink, peerClosed <-chan struct{}) error {
	m := NewManager(opts)
	defer m.Close()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if peerClosed != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-peerClosed:
				cancel(ErrPeerClosed)
			case <-stop:
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, m.opts.ChunkSize)
		for {
			n, err := src.Read(ctx, buf)
			if n > 0 {
				if werr := m.Write(ctx, buf[:n]); werr != nil {
					return
				}
				if src.Idle() {
					m.Idle()
				}
				if m.TerminatorReady() {
					return
				}
			}
			if err != nil {
				if ctx.Err() == nil {
					cancel(fmt.Errorf("host stream: %w", err))
				}
				return
			}
		}
	}()

	err := m.Run(ctx, sink)
	cancel(nil)
	wg.Wait()

	written, sent := m.Stats()
	m.logger.Debug().Uint64("written", written).Uint64("sent", sent).Err(err).Msg("Pass-through session ended")

	switch {
	case errors.Is(err, ErrTerminated):
		return nil
	case errors.Is(err, context.Canceled):
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
	}
	return err
}

// ErrPeerClosed ends a session whose socket was closed by the remote side.
var ErrPeerClosed = errors.New("pass-through peer closed")
