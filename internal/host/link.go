// Package host is the byte-stream transport between the bridge and the host MCU.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	readChunkSize = 512
	chunkBacklog  = 64
	maxLineLen    = 4096
)

var ErrLineTooLong = errors.New("host line too long")

// Link wraps a host stream. A pump goroutine reads ahead into chunks so that
// reads can be cancelled and Idle can tell whether input is pending; bytes a
// cancelled reader did not consume stay available for the next one.
// Only one reader is expected at a time.
type Link struct {
	rwc    io.ReadWriteCloser
	name   string
	logger zerolog.Logger

	chunks  chan []byte
	eof     chan struct{}
	closing chan struct{}
	err     error

	mu      sync.Mutex
	pending []byte

	wmu       sync.Mutex
	closeOnce sync.Once
}

func NewLink(rwc io.ReadWriteCloser, name string) *Link {
	l := &Link{
		rwc:     rwc,
		name:    name,
		logger:  log.With().Str("component", "host").Str("link", name).Logger(),
		chunks:  make(chan []byte, chunkBacklog),
		eof:     make(chan struct{}),
		closing: make(chan struct{}),
	}
	go l.pump()
	return l
}

func (l *Link) Name() string { return l.name }

func (l *Link) pump() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := l.rwc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case l.chunks <- chunk:
			case <-l.closing:
				l.err = io.EOF
				close(l.eof)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.logger.Debug().Err(err).Msg("Host stream read ended")
			}
			l.err = err
			close(l.eof)
			return
		}
	}
}

// next blocks for the next chunk. After EOF the remaining backlog is still served.
func (l *Link) next(ctx context.Context) ([]byte, error) {
	select {
	case c := <-l.chunks:
		return c, nil
	default:
	}
	select {
	case c := <-l.chunks:
		return c, nil
	case <-l.eof:
		select {
		case c := <-l.chunks:
			return c, nil
		default:
			return nil, l.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Link) fill(ctx context.Context) error {
	l.mu.Lock()
	have := len(l.pending)
	l.mu.Unlock()
	if have > 0 {
		return nil
	}
	c, err := l.next(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.pending = append(l.pending, c...)
	l.mu.Unlock()
	return nil
}

// Read returns whatever is available, blocking until at least one byte arrives.
func (l *Link) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := l.fill(ctx); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := copy(p, l.pending)
	l.pending = l.pending[n:]
	return n, nil
}

// ReadFull blocks until len(p) bytes have been read.
func (l *Link) ReadFull(ctx context.Context, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := l.Read(ctx, p[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) && total > 0 {
				err = io.ErrUnexpectedEOF
			}
			return total, err
		}
	}
	return total, nil
}

// ReadLine returns the next line without its CR/LF terminator.
func (l *Link) ReadLine(ctx context.Context) (string, error) {
	for {
		l.mu.Lock()
		if i := bytes.IndexByte(l.pending, '\n'); i >= 0 {
			line := string(bytes.TrimRight(l.pending[:i], "\r"))
			l.pending = l.pending[i+1:]
			l.mu.Unlock()
			return line, nil
		}
		if len(l.pending) > maxLineLen {
			l.pending = nil
			l.mu.Unlock()
			return "", ErrLineTooLong
		}
		l.mu.Unlock()

		c, err := l.next(ctx)
		if err != nil {
			return "", err
		}
		l.mu.Lock()
		l.pending = append(l.pending, c...)
		l.mu.Unlock()
	}
}

// Idle reports that no input is buffered; the equivalent of an idle-line event.
func (l *Link) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) == 0 && len(l.chunks) == 0
}

func (l *Link) Write(p []byte) (int, error) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return l.rwc.Write(p)
}

// Done is closed once the underlying stream has ended.
func (l *Link) Done() <-chan struct{} { return l.eof }

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closing)
		err = l.rwc.Close()
		l.logger.Info().Msg("Host link closed")
	})
	if err != nil {
		return fmt.Errorf("close host link %s: %w", l.name, err)
	}
	return nil
}
