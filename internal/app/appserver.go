// Package app wires the host link, the command front end, the reactor
// supervisor and the status API into one process.
package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"atbridge_go/internal/atcmd"
	"atbridge_go/internal/host"
	"atbridge_go/internal/reactor"
	"atbridge_go/internal/respond"
	"atbridge_go/internal/shared/logger"
	"atbridge_go/internal/types"
	"atbridge_go/internal/web"
)

const stopTimeout = 5 * time.Second

// AppServer is the application's main struct.
type AppServer struct {
	cfg        *types.Config
	configPath string

	mu         sync.Mutex
	supervisor *reactor.Supervisor
	link       *host.Link
	web        *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New creates a new AppServer instance. The host link is opened by Run.
func New(cfg *types.Config, configPath string) *AppServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &AppServer{
		cfg:        cfg,
		configPath: configPath,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run opens the host link and serves commands until the link closes, a
// signal arrives or Stop is called.
func (s *AppServer) Run() error {
	logger.Info().
		Str("config", s.configPath).
		Str("host_mode", s.cfg.HostConf.Mode).
		Int("max_clients", s.cfg.BridgeConf.MaxClients).
		Msg("Starting AT bridge...")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		select {
		case sig := <-sigs:
			logger.Info().Str("signal", sig.String()).Msg("Signal received")
			s.Stop()
		case <-s.ctx.Done():
		}
	}()
	defer s.Wait()
	defer s.Stop()

	link, err := host.Open(s.ctx, s.cfg.HostConf)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	out := respond.New(link)
	settings := reactor.NewSettings(s.cfg.BridgeConf.Multiplex, time.Duration(s.cfg.BridgeConf.ServerTimeout)*time.Second)
	sup := reactor.NewSupervisor(reactor.OptionsFromConfig(s.cfg.BridgeConf), settings, out)
	srv, err := web.StartServer(&s.waitGroup, s.cfg, sup)
	if err != nil {
		logger.Warn().Err(err).Msg("Status API not started")
	}

	s.mu.Lock()
	s.link, s.supervisor, s.web = link, sup, srv
	s.mu.Unlock()
	if s.ctx.Err() != nil {
		// Stop ran while the link was being opened.
		s.release()
		return nil
	}

	d := atcmd.New(s.cfg, link, out, sup)
	logger.Info().Str("host", link.Name()).Msg("Host link ready")
	err = d.Serve(s.ctx)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
		logger.Info().Msg("Host link closed")
		return nil
	default:
		return err
	}
}

// Stop gracefully shuts down the server: the reactor is stopped and waited
// for before the host link goes away.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		logger.Info().Msg("Stopping server...")
		s.cancel()
		s.release()
		logger.Info().Msg("Server stopped.")
	})
}

// release tears down whatever Run has set up so far; safe to call twice.
func (s *AppServer) release() {
	s.mu.Lock()
	sup, srv, link := s.supervisor, s.web, s.link
	s.supervisor, s.web, s.link = nil, nil, nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if sup != nil {
		if err := sup.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("Reactor did not stop in time")
		}
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if link != nil {
		_ = link.Close()
	}
}

func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}
