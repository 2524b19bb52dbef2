package atcmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"atbridge_go/internal/conntable"
	"atbridge_go/internal/localchan"
	"atbridge_go/internal/passthrough"
	"atbridge_go/internal/reactor"
	"atbridge_go/internal/respond"
)

// Version is reported by AT+GMR.
var Version = "dev"

var (
	errLinkInvalid      = errors.New("link is not valid")
	errAlreadyConnected = errors.New("already connected")
	errLinkBuilt        = errors.New("connections or server active")
)

const defaultServerPort = 333

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// flag serves the common query/set shape of 0/1 settings.
func (d *Dispatcher) flag(cmd Command, name string, get func() bool, set func(bool) error) error {
	switch cmd.Form {
	case Query:
		return d.out.Line(name, boolInt(get()))
	case Set:
		v, err := boolArg(cmd.Args)
		if err != nil {
			return err
		}
		return set(v)
	}
	return ErrInvalidArgs
}

// linkID consumes the leading link id in multi-connection mode; in
// single-connection mode the implicit id is 0.
func (d *Dispatcher) linkID(args []string, allowAll bool) (int, []string, error) {
	if !d.sup.Settings().Multiplex() {
		return 0, args, nil
	}
	hi := d.sup.Capacity() - 1
	if allowAll {
		hi++
	}
	id, err := intArg(args, 0, 0, hi)
	if err != nil {
		return 0, nil, err
	}
	return id, args[1:], nil
}

func parseTransport(s string) (conntable.Transport, error) {
	switch strings.ToUpper(s) {
	case "TCP":
		return conntable.TCP, nil
	case "UDP":
		return conntable.UDP, nil
	}
	return 0, fmt.Errorf("%w: transport %q", ErrInvalidArgs, s)
}

func (d *Dispatcher) handleAT(context.Context, Command) error { return nil }

func (d *Dispatcher) handleEcho(_ context.Context, cmd Command) error {
	v, err := boolArg(cmd.Args)
	if err != nil {
		return err
	}
	d.echo = v
	return nil
}

func (d *Dispatcher) handleVersion(_ context.Context, cmd Command) error {
	if cmd.Form != Exec {
		return ErrInvalidArgs
	}
	return d.out.Text("AT version:" + Version)
}

func (d *Dispatcher) handleMux(_ context.Context, cmd Command) error {
	s := d.sup.Settings()
	return d.flag(cmd, "CIPMUX", s.Multiplex, func(v bool) error {
		if _, serving := d.sup.Server(); serving || d.sup.ValidCount() > 0 {
			return errLinkBuilt
		}
		if v && d.passthroughMode {
			return fmt.Errorf("%w: pass-through mode set", ErrInvalidArgs)
		}
		s.SetMultiplex(v)
		return nil
	})
}

func (d *Dispatcher) handleMode(_ context.Context, cmd Command) error {
	return d.flag(cmd, "CIPMODE", func() bool { return d.passthroughMode }, func(v bool) error {
		if v && d.sup.Settings().Multiplex() {
			return fmt.Errorf("%w: pass-through needs single-connection mode", ErrInvalidArgs)
		}
		d.passthroughMode = v
		return nil
	})
}

func (d *Dispatcher) handleStart(ctx context.Context, cmd Command) error {
	if cmd.Form != Set {
		return ErrInvalidArgs
	}
	multi := d.sup.Settings().Multiplex()
	index, args, err := d.linkID(cmd.Args, false)
	if err != nil {
		return err
	}
	if len(args) < 3 {
		return fmt.Errorf("%w: want type, address, port", ErrInvalidArgs)
	}
	transport, err := parseTransport(args[0])
	if err != nil {
		return err
	}
	addr := args[1]
	if addr == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidArgs)
	}
	port, err := intArg(args, 2, 1, 65535)
	if err != nil {
		return err
	}
	localPort := 0
	if len(args) > 3 && args[3] != "" {
		// UDP local port, or TCP keep-alive seconds which only gets validated.
		hi := 7200
		if transport == conntable.UDP {
			hi = 65535
		}
		v, err := intArg(args, 3, 0, hi)
		if err != nil {
			return err
		}
		if transport == conntable.UDP {
			localPort = v
		}
	}

	_, occupied := d.sup.Lookup(index)
	if occupied || (!multi && d.sup.ValidCount() > 0) {
		_ = d.out.Text("ALREADY CONNECTED")
		return errAlreadyConnected
	}

	timeout := time.Duration(d.cfg.BridgeConf.ConnectTimeout) * time.Millisecond
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, ep, err := reactor.Dial(dialCtx, transport, addr, port, localPort, timeout)
	if err != nil {
		return err
	}
	idx, err := d.sup.Attach(ctx, reactor.AttachRequest{Index: index, Conn: conn, Endpoint: ep})
	if err != nil {
		_ = conn.Close()
		return err
	}
	return d.out.Connect(idx, multi)
}

func (d *Dispatcher) handleSend(ctx context.Context, cmd Command) error {
	switch cmd.Form {
	case Exec:
		return d.runPassthrough(ctx)
	case Set:
	default:
		return ErrInvalidArgs
	}
	index, args, err := d.linkID(cmd.Args, false)
	if err != nil {
		return err
	}
	// Length is checked before a single payload byte is read.
	n, err := intArg(args, 0, 1, d.cfg.BridgeConf.MaxSendLen)
	if err != nil {
		return err
	}
	info, ok := d.sup.Lookup(index)
	if !ok {
		return errLinkInvalid
	}
	kind := localchan.TCPSend
	var dest *net.UDPAddr
	if info.Transport == conntable.UDP {
		kind = localchan.UDPSend
		if len(args) >= 3 {
			ip := net.ParseIP(args[1])
			port, err := intArg(args, 2, 1, 65535)
			if ip == nil || err != nil {
				return fmt.Errorf("%w: bad UDP destination", ErrInvalidArgs)
			}
			dest = &net.UDPAddr{IP: ip, Port: port}
		}
	} else if len(args) > 1 {
		return fmt.Errorf("%w: destination only valid for UDP", ErrInvalidArgs)
	}

	_ = d.out.Prompt()
	buf := make([]byte, n)
	if _, err := d.link.ReadFull(ctx, buf); err != nil {
		d.logger.Warn().Err(err).Int("want", n).Msg("Host stream ended during payload")
		_ = d.out.SendFail()
		return errHandled
	}
	_ = d.out.RecvBytes(n)
	req := &localchan.Request{Kind: kind, FD: info.FD, Data: buf, Dest: dest}
	if err := d.sup.Submit(ctx, req); err != nil {
		d.logger.Warn().Err(err).Int("link_id", index).Msg("Send request not accepted")
		_ = d.out.SendFail()
	}
	// SEND OK / SEND FAIL follows from the reactor.
	return errHandled
}

// runPassthrough engages transparent transfer on the single connection and
// returns once the terminator arrives or the connection goes away.
func (d *Dispatcher) runPassthrough(ctx context.Context) error {
	if !d.passthroughMode || d.sup.Settings().Multiplex() {
		return reactor.ErrPassthroughDenied
	}
	snap := d.sup.Snapshot()
	if len(snap) != 1 {
		return reactor.ErrPassthroughDenied
	}
	r, pt, err := d.sup.EngagePassthrough(ctx, snap[0].Index)
	if err != nil {
		return err
	}
	logger := d.logger.With().Str("trace_id", snap[0].TraceID).Logger()
	logger.Info().Msg("Entering pass-through")
	_ = d.out.Prompt()

	err = passthrough.RunSession(ctx, d.ptOpts, d.link, r.PassthroughSink(pt), pt.Closed)
	if derr := r.DisengagePassthrough(context.Background()); derr != nil && !errors.Is(derr, reactor.ErrStopped) {
		logger.Warn().Err(derr).Msg("Disengage failed")
	}
	logger.Info().Err(err).Msg("Leaving pass-through")
	return err
}

func (d *Dispatcher) handleClose(ctx context.Context, cmd Command) error {
	multi := d.sup.Settings().Multiplex()
	if multi && cmd.Form != Set || !multi && cmd.Form != Exec {
		return ErrInvalidArgs
	}
	index, _, err := d.linkID(cmd.Args, true)
	if err != nil {
		return err
	}
	if multi && index == d.sup.Capacity() {
		return d.sup.CloseAll(ctx)
	}
	if _, ok := d.sup.Lookup(index); !ok {
		return errLinkInvalid
	}
	// With other connections open the close is deferred to the reactor's
	// next iteration.
	if d.sup.ValidCount() > 1 {
		return d.sup.RequestStop(index)
	}
	return d.sup.Close(ctx, index)
}

func (d *Dispatcher) handleServer(ctx context.Context, cmd Command) error {
	switch cmd.Form {
	case Query:
		info, ok := d.sup.Server()
		if !ok {
			return d.out.Line("CIPSERVER", 0)
		}
		return d.out.Line("CIPSERVER", 1, info.Port, respond.Quoted(info.Transport.String()))
	case Set:
	default:
		return ErrInvalidArgs
	}
	mode, err := intArg(cmd.Args, 0, 0, 1)
	if err != nil {
		return err
	}
	if mode == 0 {
		closeAll := len(cmd.Args) > 1 && cmd.Args[1] == "1"
		return d.sup.StopServer(ctx, closeAll)
	}
	port := defaultServerPort
	if len(cmd.Args) > 1 && cmd.Args[1] != "" {
		if port, err = intArg(cmd.Args, 1, 1, 65535); err != nil {
			return err
		}
	}
	transport := conntable.TCP
	if len(cmd.Args) > 2 {
		if transport, err = parseTransport(cmd.Args[2]); err != nil {
			return err
		}
	}
	_, err = d.sup.StartServer(ctx, transport, port)
	return err
}

func (d *Dispatcher) handleStatus(_ context.Context, cmd Command) error {
	if cmd.Form != Exec {
		return ErrInvalidArgs
	}
	snap := d.sup.Snapshot()
	status := 2
	if len(snap) > 0 {
		status = 3
	}
	if err := d.out.Text(fmt.Sprintf("STATUS:%d", status)); err != nil {
		return err
	}
	for _, info := range snap {
		tetype := 0
		if info.Role == conntable.ServerAccepted {
			tetype = 1
		}
		if err := d.out.Line("CIPSTATUS", info.Index, respond.Quoted(info.Transport.String()),
			respond.Quoted(info.RemoteAddr), info.RemotePort, info.LocalPort, tetype); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handleRecvMode(_ context.Context, cmd Command) error {
	s := d.sup.Settings()
	return d.flag(cmd, "CIPRECVMODE", s.Passive, func(v bool) error {
		s.SetPassive(v)
		return nil
	})
}

func (d *Dispatcher) handleRecvData(_ context.Context, cmd Command) error {
	if cmd.Form != Set {
		return ErrInvalidArgs
	}
	index, args, err := d.linkID(cmd.Args, false)
	if err != nil {
		return err
	}
	n, err := intArg(args, 0, 1, 1<<20)
	if err != nil {
		return err
	}
	data, err := d.sup.RecvData(index, n)
	if err != nil {
		return err
	}
	return d.out.Payload("CIPRECVDATA", data)
}

func (d *Dispatcher) handleRecvLen(_ context.Context, cmd Command) error {
	if cmd.Form != Query {
		return ErrInvalidArgs
	}
	fields := make([]any, d.sup.Capacity())
	for i := range fields {
		n, err := d.sup.RecvLen(i)
		if err != nil {
			n = -1
		}
		fields[i] = n
	}
	return d.out.Line("CIPRECVLEN", fields...)
}

func (d *Dispatcher) handleDInfo(_ context.Context, cmd Command) error {
	s := d.sup.Settings()
	return d.flag(cmd, "CIPDINFO", s.ShowRemote, func(v bool) error {
		s.SetShowRemote(v)
		return nil
	})
}

func (d *Dispatcher) handleServerTimeout(_ context.Context, cmd Command) error {
	s := d.sup.Settings()
	switch cmd.Form {
	case Query:
		return d.out.Line("CIPSTO", int(s.ServerTimeout()/time.Second))
	case Set:
		sec, err := intArg(cmd.Args, 0, 0, 7200)
		if err != nil {
			return err
		}
		s.SetServerTimeout(time.Duration(sec) * time.Second)
		return nil
	}
	return ErrInvalidArgs
}
