// Package reactor is the single owner of every bridge socket.
//
// Each socket has a reader goroutine that hands its read results to the
// reactor goroutine over one unbuffered events channel, so a slow reactor
// throttles the readers. The reactor goroutine alone mutates the connection
// table, writes to sockets and closes them. Other contexts talk to it through
// synchronous control messages and the local event channel.
package reactor

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"atbridge_go/internal/conntable"
	"atbridge_go/internal/localchan"
	"atbridge_go/internal/respond"
	"atbridge_go/internal/shared/neterr"
)

var (
	ErrStopped           = errors.New("reactor stopped")
	ErrSingleConnection  = errors.New("single-connection mode already has an endpoint")
	ErrServerActive      = errors.New("server already running")
	ErrNoServer          = errors.New("no server running")
	ErrPassthroughActive = errors.New("pass-through mode engaged")
	ErrPassthroughDenied = errors.New("pass-through requires exactly one connection in single-connection mode")
	ErrUnknownFD         = errors.New("no connection for socket handle")
	ErrSendStalled       = errors.New("send made no progress")
)

type eventKind int

const (
	evData eventKind = iota
	evClosed
	evError
	evAccepted
	evDatagram
)

type event struct {
	kind eventKind
	fd   int
	data []byte
	err  error
	conn net.Conn
	from *net.UDPAddr
}

type control struct {
	fn    func() error
	reply chan error
}

// link is the reactor-private half of a table entry.
type link struct {
	index     int
	fd        int
	transport conntable.Transport
	role      conntable.Role
	conn      net.Conn
	udp       *net.UDPConn
	dest      *net.UDPAddr
	traceID   string
	lastSeen  time.Time
}

type ptState struct {
	engaged bool
	fd      int
	closed  chan struct{}
}

type Reactor struct {
	opts     Options
	settings *Settings
	out      *respond.Writer
	table    *conntable.Table
	ch       localchan.Channel
	logger   zerolog.Logger

	events chan event
	ctrl   chan control
	done   chan struct{}

	running   atomic.Bool
	terminate atomic.Bool
	serverRef atomic.Pointer[ServerInfo]

	// owned by the reactor goroutine
	nextFD     int
	links      map[int]*link
	server     *server
	pt         ptState
	everActive bool

	wg sync.WaitGroup
}

// ServerInfo describes the listening socket.
type ServerInfo struct {
	Transport conntable.Transport `json:"transport"`
	Port      int                 `json:"port"`
}

// New builds a reactor with an empty table. Run starts it.
func New(opts Options, settings *Settings, out *respond.Writer) (*Reactor, error) {
	opts = opts.withDefaults()
	var ch localchan.Channel
	switch opts.LocalChannel {
	case "loopback":
		lb, err := localchan.NewLoopback(opts.Channel)
		if err != nil {
			return nil, err
		}
		ch = lb
	default:
		ch = localchan.NewInProcess(opts.Channel)
	}
	r := &Reactor{
		opts:     opts,
		settings: settings,
		out:      out,
		table:    conntable.New(opts.MaxClients, opts.InboundQueueLen),
		ch:       ch,
		events:   make(chan event),
		ctrl:     make(chan control),
		done:     make(chan struct{}),
		links:    make(map[int]*link),
		logger:   log.With().Str("component", "reactor").Logger(),
	}
	r.running.Store(true)
	return r, nil
}

// Run is the event loop. It returns once the table is empty with no server
// (after having served something) or after Stop.
func (r *Reactor) Run() {
	r.logger.Info().Int("max_clients", r.opts.MaxClients).Str("local_channel", r.opts.LocalChannel).Msg("Reactor started")
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	defer r.shutdown()

	requests := r.ch.Requests()
	for {
		select {
		case ev := <-r.events:
			r.dispatch(ev)
		case req := <-requests:
			r.handleSend(req)
		case c := <-r.ctrl:
			r.handleControl(c)
		case <-ticker.C:
		}
		r.housekeeping()
		if r.finished() {
			return
		}
	}
}

func (r *Reactor) finished() bool {
	if r.terminate.Load() {
		return true
	}
	return r.everActive && r.table.ValidCount() == 0 && r.server == nil
}

func (r *Reactor) shutdown() {
	for _, idx := range r.table.Occupied() {
		r.closeSlot(idx, "reactor stopping", nil)
	}
	r.removeServer()
	close(r.done)
	_ = r.ch.Close()
	r.wg.Wait()

	for _, req := range r.ch.Drain() {
		r.finishRequest(req, ErrStopped)
	}
	r.running.Store(false)
	r.logger.Info().Msg("Reactor stopped")
}

func (r *Reactor) handleControl(c control) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("Control operation panicked")
			c.reply <- fmt.Errorf("reactor control: %v", p)
		}
	}()
	c.reply <- c.fn()
}

// housekeeping runs after every wake-up: deferred closes, peer validity and
// idle server connections.
func (r *Reactor) housekeeping() {
	for _, idx := range r.table.StopRequests() {
		r.closeSlot(idx, "stop requested", nil)
	}
	if v := r.opts.PeerValidator; v != nil {
		for _, info := range r.table.Snapshot() {
			if ip := net.ParseIP(info.RemoteAddr); ip != nil && !v(ip) {
				r.closeSlot(info.Index, "peer no longer valid", nil)
			}
		}
	}
	if timeout := r.settings.ServerTimeout(); timeout > 0 {
		now := time.Now()
		for _, l := range r.links {
			if l.role == conntable.ServerAccepted && l.transport == conntable.TCP && now.Sub(l.lastSeen) > timeout {
				r.closeSlot(l.index, "server connection idle", nil)
			}
		}
	}
}

func (r *Reactor) mint() int {
	fd := r.nextFD
	r.nextFD++
	return fd
}

// track starts servicing a freshly stored slot.
func (r *Reactor) track(index, fd int, ep conntable.Endpoint) {
	info, _ := r.table.Get(index)
	l := &link{
		index:     index,
		fd:        fd,
		transport: ep.Transport,
		role:      ep.Role,
		conn:      ep.Conn,
		traceID:   info.TraceID,
		lastSeen:  time.Now(),
	}
	if ep.Transport == conntable.UDP {
		l.udp, _ = ep.Conn.(*net.UDPConn)
		if ip := net.ParseIP(ep.RemoteAddr); ip != nil {
			l.dest = &net.UDPAddr{IP: ip, Port: ep.RemotePort}
		}
	}
	r.configure(ep.Conn)
	r.links[fd] = l
	r.everActive = true

	r.wg.Add(1)
	if l.udp != nil {
		go r.readDatagrams(fd, l.udp, false)
	} else {
		go r.readStream(fd, ep.Conn)
	}
	r.logger.Info().
		Str("trace_id", l.traceID).
		Int("link_id", index).
		Int("fd", fd).
		Str("transport", ep.Transport.String()).
		Str("role", ep.Role.String()).
		Str("remote", net.JoinHostPort(ep.RemoteAddr, fmt.Sprint(ep.RemotePort))).
		Msg("Connection stored")
}

// closeSlot frees the slot, closes its socket and notifies the host.
func (r *Reactor) closeSlot(index int, reason string, cause error) {
	info, ok := r.table.Free(index)
	if !ok {
		return
	}
	if l := r.links[info.FD]; l != nil {
		delete(r.links, info.FD)
		_ = l.conn.Close()
	}
	if r.pt.engaged && r.pt.fd == info.FD {
		close(r.pt.closed)
		r.pt = ptState{}
	}
	ev := r.logger.Info()
	if cause != nil {
		ev = r.logger.Warn().Err(cause).Int("errno", neterr.Errno(cause))
	}
	ev.Str("trace_id", info.TraceID).
		Int("link_id", index).
		Str("reason", reason).
		Str("bytes_in", humanize.Bytes(info.BytesIn)).
		Str("bytes_out", humanize.Bytes(info.BytesOut)).
		Msg("Connection closed")
	_ = r.out.Closed(index, r.settings.Multiplex())
}

func (r *Reactor) installServer(srv *server) {
	r.server = srv
	info := srv.info()
	r.serverRef.Store(&info)
	r.everActive = true
	r.wg.Add(1)
	if srv.ln != nil {
		go r.acceptLoop(srv.ln)
	} else {
		go r.readDatagrams(-1, srv.pc, true)
	}
	r.logger.Info().Str("transport", srv.transport.String()).Int("port", srv.port).Msg("Server listening")
}

func (r *Reactor) removeServer() {
	if r.server == nil {
		return
	}
	_ = r.server.close()
	r.logger.Info().Int("port", r.server.port).Msg("Server stopped")
	r.server = nil
	r.serverRef.Store(nil)
}
