package reactor

import (
	"net"
	"sync/atomic"
	"time"

	"atbridge_go/internal/localchan"
	"atbridge_go/internal/types"
)

// PeerValidator reports whether a peer address is still reachable on the
// local network. Peers it rejects are force-closed at the next iteration.
type PeerValidator func(ip net.IP) bool

type Options struct {
	MaxClients      int
	InboundQueueLen int
	RecvBufferSize  int
	PollInterval    time.Duration
	LocalChannel    string
	Channel         localchan.Options
	KeepAlive       time.Duration
	Linger          int
	SendTimeout     time.Duration
	SendRetries     int
	SendRetryDelay  time.Duration
	PeerValidator   PeerValidator
}

// OptionsFromConfig maps the [bridge] section onto reactor options.
func OptionsFromConfig(b types.BridgeConf) Options {
	return Options{
		MaxClients:      b.MaxClients,
		InboundQueueLen: b.InboundQueueLen,
		RecvBufferSize:  b.RecvBufferSize,
		PollInterval:    time.Duration(b.PollIntervalMs) * time.Millisecond,
		LocalChannel:    b.LocalChannel,
		Channel: localchan.Options{
			Depth:         b.ChannelDepth,
			SubmitRetries: b.SubmitRetries,
			SubmitBackoff: time.Duration(b.SubmitBackoffMs) * time.Millisecond,
		},
		KeepAlive:      time.Duration(b.KeepAliveSec) * time.Second,
		Linger:         b.LingerSec,
		SendTimeout:    time.Duration(b.SendTimeoutMs) * time.Millisecond,
		SendRetries:    b.SendRetries,
		SendRetryDelay: time.Duration(b.SendRetryMs) * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxClients < 1 {
		o.MaxClients = 5
	}
	if o.RecvBufferSize < 1 {
		o.RecvBufferSize = 1460
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.LocalChannel == "" {
		o.LocalChannel = "inproc"
	}
	if o.SendRetries < 1 {
		o.SendRetries = 3
	}
	if o.SendRetryDelay <= 0 {
		o.SendRetryDelay = 5 * time.Millisecond
	}
	return o
}

// Settings are the bridge-wide modes toggled by commands. They outlive any
// single reactor instance.
type Settings struct {
	multiplex     atomic.Bool
	passive       atomic.Bool
	showRemote    atomic.Bool
	serverTimeout atomic.Int64
}

func NewSettings(multiplex bool, serverTimeout time.Duration) *Settings {
	s := &Settings{}
	s.multiplex.Store(multiplex)
	s.serverTimeout.Store(int64(serverTimeout))
	return s
}

// Multiplex is true in multi-connection mode.
func (s *Settings) Multiplex() bool { return s.multiplex.Load() }
func (s *Settings) SetMultiplex(v bool) { s.multiplex.Store(v) }
func (s *Settings) Passive() bool { return s.passive.Load() }
func (s *Settings) SetPassive(v bool) { s.passive.Store(v) }
func (s *Settings) ShowRemote() bool { return s.showRemote.Load() }
func (s *Settings) SetShowRemote(v bool) { s.showRemote.Store(v) }
func (s *Settings) ServerTimeout() time.Duration { return time.Duration(s.serverTimeout.Load()) }
func (s *Settings) SetServerTimeout(d time.Duration) { s.serverTimeout.Store(int64(d)) }
