// Package passthrough implements the double-buffered transparent transfer mode.
//
// The host stream (the DMA producer) fills the active ping/pong buffer while
// the send loop drains the other one to the engaged socket. A buffer becomes
// ready on an idle gap, when it fills up, or when the flush interval expires
// with data pending. With a zero flush interval every write is ready at once.
package passthrough

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrTerminated reports that the host sent the terminator.
	ErrTerminated = errors.New("pass-through terminated by marker")
	ErrClosed     = errors.New("pass-through manager closed")
)

type Options struct {
	BufferSize    int
	ChunkSize     int
	FlushInterval time.Duration
	RetryPoll     time.Duration
	Terminator    []byte
}

func (o Options) withDefaults() Options {
	if o.BufferSize < 1 {
		o.BufferSize = 4096
	}
	if o.ChunkSize < 1 || o.ChunkSize > o.BufferSize {
		o.ChunkSize = o.BufferSize
	}
	if o.FlushInterval < 0 {
		o.FlushInterval = 0
	}
	if o.RetryPoll <= 0 {
		o.RetryPoll = 10 * time.Millisecond
	}
	return o
}

type Manager struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	bufs   [2]*Buffer
	active int

	// ready is the counting semaphore; it carries buffer indices in the
	// order they became ready.
	ready   chan int
	drained chan struct{}
	closed  chan struct{}
	once    sync.Once

	written atomic.Uint64
	sent    atomic.Uint64
	flushes atomic.Uint64

	// set once a buffer holding exactly the terminator has been readied
	terminator atomic.Bool
}

func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:    opts,
		logger:  log.With().Str("component", "passthrough").Logger(),
		bufs:    [2]*Buffer{NewBuffer(opts.BufferSize), NewBuffer(opts.BufferSize)},
		ready:   make(chan int, 2),
		drained: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// markReady switches the producer to the other buffer. Caller holds mu.
func (m *Manager) markReady(i int) {
	if m.isTerminator(m.bufs[i]) {
		m.terminator.Store(true)
	}
	m.bufs[i].state = ReadyToSend
	m.active = 1 - i
	m.ready <- i
}

// Write copies p into the active buffer. A buffer that fills up is readied
// regardless of the flush timer. When the next buffer has not been drained
// yet Write blocks until it is, ctx ends or the manager closes.
func (m *Manager) Write(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		m.mu.Lock()
		if m.bufs[m.active] == nil {
			m.mu.Unlock()
			return ErrClosed
		}
		b := m.bufs[m.active]
		if b.state == ReadyToSend || b.state == Sending {
			m.mu.Unlock()
			select {
			case <-m.drained:
				continue
			case <-m.closed:
				return ErrClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		n := b.Append(p)
		p = p[n:]
		m.written.Add(uint64(n))
		if b.Full() || m.opts.FlushInterval == 0 {
			m.markReady(m.active)
		}
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) isTerminator(b *Buffer) bool {
	return len(m.opts.Terminator) > 0 && bytes.Equal(b.unsent(), m.opts.Terminator)
}

// Idle is the idle-line event: a non-empty active buffer is readied.
func (m *Manager) Idle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushActiveLocked(true)
}

// TerminatorReady reports that the producer has handed over the terminator;
// it should stop reading its source.
func (m *Manager) TerminatorReady() bool { return m.terminator.Load() }

// flushActiveLocked readies the active buffer. The flush timer passes
// allowTerminator=false: only the producer side may recognise the
// terminator, so that it knows to stop reading.
func (m *Manager) flushActiveLocked(allowTerminator bool) bool {
	b := m.bufs[m.active]
	if b == nil || b.state != Filling || b.Drained() {
		return false
	}
	if !allowTerminator && m.isTerminator(b) {
		return false
	}
	m.markReady(m.active)
	return true
}

func (m *Manager) finish(i int) {
	m.mu.Lock()
	if b := m.bufs[i]; b != nil {
		b.reset()
	}
	m.mu.Unlock()
	select {
	case m.drained <- struct{}{}:
	default:
	}
}

// Run is the send loop. It waits on the semaphore for at most the flush
// interval; on expiry the partially filled active buffer is flushed.
func (m *Manager) Run(ctx context.Context, sink Sink) error {
	var tick <-chan time.Time
	if m.opts.FlushInterval > 0 {
		t := time.NewTicker(m.opts.FlushInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case i := <-m.ready:
			m.mu.Lock()
			b := m.bufs[i]
			if b == nil {
				m.mu.Unlock()
				return ErrClosed
			}
			b.state = Sending
			m.mu.Unlock()

			n, terminated, err := SendChunked(ctx, b, sink, m.opts.ChunkSize, m.opts.RetryPoll, m.opts.Terminator, true)
			m.sent.Add(uint64(n))
			m.finish(i)
			if terminated {
				return ErrTerminated
			}
			if err != nil {
				return err
			}
		case <-tick:
			m.mu.Lock()
			if m.flushActiveLocked(false) {
				m.flushes.Add(1)
			}
			m.mu.Unlock()
		case <-m.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns bytes accepted from the host and bytes sent to the sink.
func (m *Manager) Stats() (written, sent uint64) {
	return m.written.Load(), m.sent.Load()
}

// Close releases both buffers and unblocks a waiting producer. It must not
// race a running send loop; call it once Run has returned.
func (m *Manager) Close() {
	m.once.Do(func() {
		close(m.closed)
		m.mu.Lock()
		for i, b := range m.bufs {
			if b != nil {
				b.release()
			}
			m.bufs[i] = nil
		}
		m.mu.Unlock()
		written, sent := m.Stats()
		m.logger.Info().
			Str("written", humanize.Bytes(written)).
			Str("sent", humanize.Bytes(sent)).
			Uint64("timer_flushes", m.flushes.Load()).
			Msg("Pass-through buffers released")
	})
}
