package localchan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"atbridge_go/internal/shared/neterr"
)

// Loopback moves requests over a pair of UDP sockets bound to 127.0.0.1.
// Only the fixed-size header is sent; the payload waits in pending.
type Loopback struct {
	opts   Options
	rx     *net.UDPConn
	tx     *net.UDPConn
	out    chan *Request
	done   chan struct{}
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]*Request

	// held shared while a submission is in flight, exclusively by Close
	closeMu   sync.RWMutex
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewLoopback(opts Options) (*Loopback, error) {
	opts = opts.withDefaults()
	rx, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("local channel: bind receiver: %w", err)
	}
	tx, err := net.DialUDP("udp4", nil, rx.LocalAddr().(*net.UDPAddr))
	if err != nil {
		rx.Close()
		return nil, fmt.Errorf("local channel: connect producer: %w", err)
	}
	l := &Loopback{
		opts:    opts,
		rx:      rx,
		tx:      tx,
		out:     make(chan *Request, opts.Depth),
		done:    make(chan struct{}),
		pending: make(map[uuid.UUID]*Request),
		logger:  log.With().Str("component", "localchan").Str("addr", rx.LocalAddr().String()).Logger(),
	}
	l.wg.Add(1)
	go l.pump()
	return l, nil
}

// Addr is the reactor-side endpoint.
func (l *Loopback) Addr() net.Addr { return l.rx.LocalAddr() }

func (l *Loopback) Submit(ctx context.Context, req *Request) error {
	if err := validate(req); err != nil {
		return err
	}
	frame := Encode(req)
	for attempt := 0; ; attempt++ {
		err := l.write(req, frame)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		if !neterr.IsTransient(err) || attempt >= l.opts.SubmitRetries {
			return fmt.Errorf("%w: %v", ErrSubmitFailed, err)
		}
		l.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("Transient submit error, backing off")
		if berr := backoff(ctx, l.done, l.opts.SubmitBackoff); berr != nil {
			return berr
		}
	}
}

// write registers req and sends its header. Close cannot run in between, so
// a nil return means the request is either delivered or returned by Drain.
func (l *Loopback) write(req *Request, frame []byte) error {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	l.mu.Lock()
	l.pending[req.ID] = req
	l.mu.Unlock()
	if _, err := l.tx.Write(frame); err != nil {
		l.forget(req.ID)
		return err
	}
	return nil
}

func (l *Loopback) forget(id uuid.UUID) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

func (l *Loopback) pump() {
	defer l.wg.Done()
	buf := make([]byte, HeaderSize+1)
	for {
		n, err := l.rx.Read(buf)
		if err != nil {
			if neterr.IsTransient(err) {
				continue
			}
			select {
			case <-l.done:
			default:
				l.logger.Error().Err(err).Msg("Local channel receiver failed")
			}
			return
		}
		h, err := Decode(buf[:n])
		if err != nil {
			l.logger.Warn().Err(err).Msg("Dropping datagram")
			continue
		}
		l.mu.Lock()
		req, ok := l.pending[h.ID]
		delete(l.pending, h.ID)
		l.mu.Unlock()
		if !ok || req.Kind != h.Kind || req.FD != h.FD || len(req.Data) != h.Len {
			l.logger.Warn().Str("request_id", h.ID.String()).Msg("Datagram does not match a pending request")
			continue
		}
		select {
		case l.out <- req:
		case <-l.done:
			// keep it for Drain
			l.mu.Lock()
			l.pending[req.ID] = req
			l.mu.Unlock()
			return
		}
	}
}

func (l *Loopback) Requests() <-chan *Request { return l.out }

func (l *Loopback) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closeMu.Lock()
		close(l.done)
		err = errors.Join(l.tx.Close(), l.rx.Close())
		l.closeMu.Unlock()
		l.wg.Wait()
	})
	return err
}

// Drain returns queued requests followed by those whose header never reached
// the pump.
func (l *Loopback) Drain() []*Request {
	var out []*Request
	for done := false; !done; {
		select {
		case req := <-l.out:
			out = append(out, req)
		default:
			done = true
		}
	}
	l.mu.Lock()
	for id, req := range l.pending {
		out = append(out, req)
		delete(l.pending, id)
	}
	l.mu.Unlock()
	if len(out) > 0 {
		l.logger.Debug().Int("count", len(out)).Msg("Drained undelivered requests")
	}
	return out
}
