package reactor

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"atbridge_go/internal/conntable"
	"atbridge_go/internal/localchan"
	"atbridge_go/internal/respond"
)

// Supervisor owns the current reactor. A reactor exits on its own once it
// has nothing left to serve; the next operation that needs one spawns a
// fresh instance.
type Supervisor struct {
	opts     Options
	settings *Settings
	out      *respond.Writer
	logger   zerolog.Logger

	mu  sync.Mutex
	cur *Reactor
}

func NewSupervisor(opts Options, settings *Settings, out *respond.Writer) *Supervisor {
	return &Supervisor{
		opts:     opts,
		settings: settings,
		out:      out,
		logger:   log.With().Str("component", "supervisor").Logger(),
	}
}

func (s *Supervisor) Settings() *Settings { return s.settings }

// Ensure returns a running reactor, spawning one if needed.
func (s *Supervisor) Ensure() (*Reactor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur.Running() {
		return s.cur, nil
	}
	r, err := New(s.opts, s.settings, s.out)
	if err != nil {
		return nil, err
	}
	go r.Run()
	s.cur = r
	s.logger.Debug().Msg("Spawned reactor")
	return r, nil
}

// Current returns the running reactor or nil.
func (s *Supervisor) Current() *Reactor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur.Running() {
		return s.cur
	}
	return nil
}

const spawnAttempts = 3

// with runs fn against a running reactor, re-spawning when the reactor
// exited between Ensure and the hand-off.
func (s *Supervisor) with(fn func(r *Reactor) error) error {
	var err error
	for attempt := 0; attempt < spawnAttempts; attempt++ {
		var r *Reactor
		if r, err = s.Ensure(); err != nil {
			return err
		}
		if err = fn(r); !errors.Is(err, ErrStopped) {
			return err
		}
	}
	return err
}

func (s *Supervisor) Attach(ctx context.Context, req AttachRequest) (int, error) {
	idx := conntable.InvalidIndex
	err := s.with(func(r *Reactor) error {
		var err error
		idx, err = r.Attach(ctx, req)
		return err
	})
	return idx, err
}

func (s *Supervisor) StartServer(ctx context.Context, transport conntable.Transport, port int) (ServerInfo, error) {
	var info ServerInfo
	err := s.with(func(r *Reactor) error {
		var err error
		info, err = r.StartServer(ctx, transport, port)
		return err
	})
	return info, err
}

func (s *Supervisor) StopServer(ctx context.Context, closeAll bool) error {
	r := s.Current()
	if r == nil {
		return ErrNoServer
	}
	return r.StopServer(ctx, closeAll)
}

func (s *Supervisor) Close(ctx context.Context, index int) error {
	r := s.Current()
	if r == nil {
		return conntable.ErrNotOccupied
	}
	return r.Close(ctx, index)
}

func (s *Supervisor) CloseAll(ctx context.Context) error {
	if r := s.Current(); r != nil {
		return r.CloseAll(ctx)
	}
	return nil
}

func (s *Supervisor) RequestStop(index int) error {
	r := s.Current()
	if r == nil {
		return conntable.ErrNotOccupied
	}
	return r.RequestStop(index)
}

func (s *Supervisor) EngagePassthrough(ctx context.Context, index int) (*Reactor, Passthrough, error) {
	r := s.Current()
	if r == nil {
		return nil, Passthrough{}, ErrPassthroughDenied
	}
	p, err := r.EngagePassthrough(ctx, index)
	return r, p, err
}

func (s *Supervisor) Submit(ctx context.Context, req *localchan.Request) error {
	r := s.Current()
	if r == nil {
		return ErrStopped
	}
	return r.Submit(ctx, req)
}

func (s *Supervisor) Snapshot() []conntable.Info {
	if r := s.Current(); r != nil {
		return r.Snapshot()
	}
	return nil
}

func (s *Supervisor) ValidCount() int {
	if r := s.Current(); r != nil {
		return r.ValidCount()
	}
	return 0
}

// Lookup returns a copy of an occupied slot.
func (s *Supervisor) Lookup(index int) (conntable.Info, bool) {
	if r := s.Current(); r != nil {
		return r.Table().Get(index)
	}
	return conntable.Info{}, false
}

func (s *Supervisor) Server() (ServerInfo, bool) {
	if r := s.Current(); r != nil {
		return r.Server()
	}
	return ServerInfo{}, false
}

func (s *Supervisor) RecvData(index, max int) ([]byte, error) {
	r := s.Current()
	if r == nil {
		return nil, conntable.ErrNotOccupied
	}
	return r.RecvData(index, max)
}

func (s *Supervisor) RecvLen(index int) (int, error) {
	r := s.Current()
	if r == nil {
		return 0, conntable.ErrNotOccupied
	}
	return r.RecvLen(index)
}

// Capacity is the configured slot count.
func (s *Supervisor) Capacity() int {
	return s.opts.withDefaults().MaxClients
}

// Shutdown stops the current reactor and waits for it.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	r := s.cur
	s.cur = nil
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Stop(ctx)
}
