package reactor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"atbridge_go/internal/conntable"
	"atbridge_go/internal/localchan"
	"atbridge_go/internal/passthrough"
)

// do runs fn on the reactor goroutine. The hand-off is synchronous: either
// the reactor takes the message and replies, or the caller sees ErrStopped.
// It must never be called from the reactor goroutine itself.
func (r *Reactor) do(ctx context.Context, fn func() error) error {
	c := control{fn: fn, reply: make(chan error, 1)}
	select {
	case r.ctrl <- c:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-c.reply
}

// AttachRequest hands a connected client socket to the reactor.
type AttachRequest struct {
	Index    int
	Conn     net.Conn
	Endpoint conntable.Endpoint
}

// Attach stores the socket in the requested (or first free) slot and starts
// servicing it. On error the caller still owns Conn.
func (r *Reactor) Attach(ctx context.Context, req AttachRequest) (int, error) {
	idx := conntable.InvalidIndex
	err := r.do(ctx, func() error {
		if r.pt.engaged {
			return ErrPassthroughActive
		}
		if !r.settings.Multiplex() && (r.table.ValidCount() > 0 || r.server != nil) {
			return ErrSingleConnection
		}
		i, err := r.table.Allocate(req.Index)
		if err != nil {
			return err
		}
		ep := req.Endpoint
		ep.Conn = req.Conn
		ep.Role = conntable.Client
		fd := r.mint()
		if _, err := r.table.Store(i, fd, ep); err != nil {
			r.table.Release(i)
			return err
		}
		r.track(i, fd, ep)
		idx = i
		return nil
	})
	return idx, err
}

func (r *Reactor) canServe() error {
	switch {
	case r.server != nil:
		return ErrServerActive
	case !r.settings.Multiplex():
		return ErrSingleConnection
	case r.pt.engaged:
		return ErrPassthroughActive
	}
	return nil
}

// StartServer binds a listening socket in the caller's context and installs
// it. At most one server exists at a time.
func (r *Reactor) StartServer(ctx context.Context, transport conntable.Transport, port int) (ServerInfo, error) {
	if err := r.do(ctx, r.canServe); err != nil {
		return ServerInfo{}, err
	}
	srv, err := listen(ctx, transport, port)
	if err != nil {
		return ServerInfo{}, err
	}
	err = r.do(ctx, func() error {
		if err := r.canServe(); err != nil {
			return err
		}
		r.installServer(srv)
		return nil
	})
	if err != nil {
		_ = srv.close()
		return ServerInfo{}, err
	}
	return srv.info(), nil
}

// StopServer closes the listening socket; with closeAll the connections it
// accepted are closed too.
func (r *Reactor) StopServer(ctx context.Context, closeAll bool) error {
	return r.do(ctx, func() error {
		if r.server == nil {
			return ErrNoServer
		}
		r.removeServer()
		if closeAll {
			for _, info := range r.table.Snapshot() {
				if info.Role == conntable.ServerAccepted {
					r.closeSlot(info.Index, "server stopped", nil)
				}
			}
		}
		return nil
	})
}

// Close closes a slot now.
func (r *Reactor) Close(ctx context.Context, index int) error {
	return r.do(ctx, func() error {
		if _, ok := r.table.Get(index); !ok {
			return fmt.Errorf("%w: %d", conntable.ErrNotOccupied, index)
		}
		r.closeSlot(index, "closed by command", nil)
		return nil
	})
}

// CloseAll closes every slot now.
func (r *Reactor) CloseAll(ctx context.Context) error {
	return r.do(ctx, func() error {
		for _, idx := range r.table.Occupied() {
			r.closeSlot(idx, "closed by command", nil)
		}
		return nil
	})
}

// RequestStop flags a slot; the reactor closes it at its next iteration.
func (r *Reactor) RequestStop(index int) error {
	return r.table.RequestStop(index)
}

// Passthrough identifies the engaged connection.
type Passthrough struct {
	Index     int
	FD        int
	Transport conntable.Transport
	// Closed is closed when the engaged connection goes away.
	Closed <-chan struct{}
}

// EngagePassthrough requires single-connection mode and exactly one
// occupied slot, which must be index.
func (r *Reactor) EngagePassthrough(ctx context.Context, index int) (Passthrough, error) {
	var p Passthrough
	err := r.do(ctx, func() error {
		if r.pt.engaged {
			return ErrPassthroughActive
		}
		if r.settings.Multiplex() || r.table.ValidCount() != 1 || r.server != nil {
			return ErrPassthroughDenied
		}
		info, ok := r.table.Get(index)
		if !ok {
			return fmt.Errorf("%w: %d", conntable.ErrNotOccupied, index)
		}
		closed := make(chan struct{})
		r.pt = ptState{engaged: true, fd: info.FD, closed: closed}
		p = Passthrough{Index: index, FD: info.FD, Transport: info.Transport, Closed: closed}
		r.logger.Info().Str("trace_id", info.TraceID).Int("link_id", index).Msg("Pass-through engaged")
		return nil
	})
	return p, err
}

func (r *Reactor) DisengagePassthrough(ctx context.Context) error {
	return r.do(ctx, func() error {
		if r.pt.engaged {
			r.logger.Info().Int("fd", r.pt.fd).Msg("Pass-through disengaged")
		}
		r.pt = ptState{}
		return nil
	})
}

// Submit is the producer side of the local event channel.
func (r *Reactor) Submit(ctx context.Context, req *localchan.Request) error {
	if !r.Running() {
		return ErrStopped
	}
	err := r.ch.Submit(ctx, req)
	if errors.Is(err, localchan.ErrClosed) {
		return ErrStopped
	}
	return err
}

// PassthroughSink sends drained pass-through chunks through the local
// channel and waits for the reactor to complete each one.
func (r *Reactor) PassthroughSink(p Passthrough) passthrough.Sink {
	kind := localchan.TCPSend
	if p.Transport == conntable.UDP {
		kind = localchan.UDPSend
	}
	return passthrough.SinkFunc(func(ctx context.Context, b []byte) (int, error) {
		done := make(chan error, 1)
		// The reactor may still hold the request after ctx ends.
		req := &localchan.Request{Kind: kind, FD: p.FD, Data: bytes.Clone(b), Done: done}
		if err := r.Submit(ctx, req); err != nil {
			if errors.Is(err, localchan.ErrSubmitFailed) {
				return 0, fmt.Errorf("%w: %v", passthrough.ErrBusy, err)
			}
			return 0, err
		}
		select {
		case err := <-done:
			if err != nil {
				return 0, err
			}
			return len(b), nil
		case <-r.done:
			return 0, ErrStopped
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
}

func (r *Reactor) Table() *conntable.Table { return r.table }
func (r *Reactor) Snapshot() []conntable.Info { return r.table.Snapshot() }
func (r *Reactor) ValidCount() int { return r.table.ValidCount() }
func (r *Reactor) Running() bool { return r.running.Load() }
func (r *Reactor) Done() <-chan struct{} { return r.done }

// Server returns the listening socket, if any.
func (r *Reactor) Server() (ServerInfo, bool) {
	if s := r.serverRef.Load(); s != nil {
		return *s, true
	}
	return ServerInfo{}, false
}

// RecvData consumes up to max queued bytes of a slot (passive receive mode).
func (r *Reactor) RecvData(index, max int) ([]byte, error) {
	in, err := r.table.Inbound(index)
	if err != nil {
		return nil, err
	}
	if in == nil {
		return nil, nil
	}
	return in.Read(max), nil
}

// RecvLen returns the queued byte count of a slot.
func (r *Reactor) RecvLen(index int) (int, error) {
	in, err := r.table.Inbound(index)
	if err != nil || in == nil {
		return 0, err
	}
	return in.Len(), nil
}

// Stop asks the reactor to terminate and waits until it has released every
// socket, polling with a bounded sleep.
func (r *Reactor) Stop(ctx context.Context) error {
	r.terminate.Store(true)
	// Wake the loop so it does not sit out a full poll interval.
	go func() { _ = r.do(ctx, func() error { return nil }) }()
	for r.Running() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for reactor to stop: %w", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}
