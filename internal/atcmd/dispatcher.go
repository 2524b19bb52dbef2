// Package atcmd is the command-handling context: it reads AT lines from the
// host, validates them and drives the reactor. Validation always happens
// before any socket is touched, and every command ends with exactly one
// terminal line.
package atcmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"atbridge_go/internal/host"
	"atbridge_go/internal/passthrough"
	"atbridge_go/internal/reactor"
	"atbridge_go/internal/respond"
	"atbridge_go/internal/types"
)

// errHandled tells the dispatcher that the handler already emitted its
// terminal line.
var errHandled = errors.New("terminal line already sent")

type handler func(ctx context.Context, cmd Command) error

type Dispatcher struct {
	cfg    *types.Config
	link   *host.Link
	out    *respond.Writer
	sup    *reactor.Supervisor
	logger zerolog.Logger

	ptOpts   passthrough.Options
	handlers map[string]handler

	// command-context state, touched only by Serve/Handle
	echo            bool
	passthroughMode bool
}

func New(cfg *types.Config, link *host.Link, out *respond.Writer, sup *reactor.Supervisor) *Dispatcher {
	p := cfg.PassthroughConf
	d := &Dispatcher{
		cfg:    cfg,
		link:   link,
		out:    out,
		sup:    sup,
		logger: log.With().Str("component", "atcmd").Logger(),
		ptOpts: passthrough.Options{
			BufferSize:    p.BufferSize,
			ChunkSize:     p.ChunkSize,
			FlushInterval: time.Duration(p.FlushIntervalMs) * time.Millisecond,
			RetryPoll:     time.Duration(p.RetryPollMs) * time.Millisecond,
			Terminator:    []byte(p.Terminator),
		},
		echo: cfg.HostConf.Echo,
	}
	d.handlers = map[string]handler{
		"":            d.handleAT,
		"E":           d.handleEcho,
		"GMR":         d.handleVersion,
		"CIPMUX":      d.handleMux,
		"CIPMODE":     d.handleMode,
		"CIPSTART":    d.handleStart,
		"CIPSEND":     d.handleSend,
		"CIPCLOSE":    d.handleClose,
		"CIPSERVER":   d.handleServer,
		"CIPSTATUS":   d.handleStatus,
		"CIPRECVMODE": d.handleRecvMode,
		"CIPRECVDATA": d.handleRecvData,
		"CIPRECVLEN":  d.handleRecvLen,
		"CIPDINFO":    d.handleDInfo,
		"CIPSTO":      d.handleServerTimeout,
	}
	return d
}

// Serve reads commands until the host link ends or ctx is cancelled.
func (d *Dispatcher) Serve(ctx context.Context) error {
	for {
		line, err := d.link.ReadLine(ctx)
		if err != nil {
			if errors.Is(err, host.ErrLineTooLong) {
				_ = d.out.Error()
				continue
			}
			return err
		}
		if line == "" {
			continue
		}
		if d.echo {
			_ = d.out.Text(line)
		}
		d.Handle(ctx, line)
	}
}

// Handle runs one command line and emits its terminal line.
func (d *Dispatcher) Handle(ctx context.Context, line string) {
	cmd, err := Parse(line)
	if err != nil {
		d.logger.Debug().Err(err).Msg("Unparseable command")
		_ = d.out.Error()
		return
	}
	h, ok := d.handlers[cmd.Name]
	if !ok {
		d.logger.Debug().Str("command", cmd.Name).Msg("Unknown command")
		_ = d.out.Error()
		return
	}
	err = d.safeCall(ctx, h, cmd)
	switch {
	case err == nil:
		_ = d.out.OK()
	case errors.Is(err, errHandled):
	default:
		d.logger.Debug().Err(err).Str("command", cmd.Name).Msg("Command failed")
		_ = d.out.Error()
	}
}

func (d *Dispatcher) safeCall(ctx context.Context, h handler, cmd Command) (err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error().Interface("panic", p).Str("command", cmd.Name).Msg("Command handler panicked")
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, cmd)
}
