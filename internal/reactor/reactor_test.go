package reactor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"atbridge_go/internal/conntable"
	"atbridge_go/internal/localchan"
	"atbridge_go/internal/respond"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func eventually(t *testing.T, cond func() bool, msg string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf(msg, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testOptions() Options {
	return Options{
		MaxClients:      3,
		InboundQueueLen: 4,
		RecvBufferSize:  512,
		PollInterval:    20 * time.Millisecond,
		Linger:          -1,
		Channel:         localchan.Options{Depth: 4, SubmitRetries: 3, SubmitBackoff: time.Millisecond},
	}
}

func startReactor(t *testing.T, multiplex bool, mutate func(*Options)) (*Reactor, *Settings, *syncBuffer) {
	t.Helper()
	opts := testOptions()
	if mutate != nil {
		mutate(&opts)
	}
	out := &syncBuffer{}
	settings := NewSettings(multiplex, 0)
	r, err := New(opts, settings, respond.New(out))
	require.NoError(t, err)
	go r.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.Stop(ctx); err != nil {
			t.Errorf("Stop() failed: %v", err)
		}
	})
	return r, settings, out
}

// peer is the remote side of a client connection.
type peer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	p := &peer{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			p.conns <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *peer) port() int { return p.ln.Addr().(*net.TCPAddr).Port }

func (p *peer) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-p.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("peer accepted nothing")
		return nil
	}
}

func attachTCP(t *testing.T, r *Reactor, p *peer, index int) (int, net.Conn, net.Conn) {
	t.Helper()
	conn, ep, err := Dial(context.Background(), conntable.TCP, "127.0.0.1", p.port(), 0, time.Second)
	require.NoError(t, err)
	idx, err := r.Attach(context.Background(), AttachRequest{Index: index, Conn: conn, Endpoint: ep})
	require.NoError(t, err)
	return idx, conn, p.accept(t)
}

func TestReactor_InboundDataActiveMode(t *testing.T) {
	r, settings, out := startReactor(t, true, nil)
	p := newPeer(t)
	idx, _, remote := attachTCP(t, r, p, conntable.AnyIndex)
	assert.Equal(t, 0, idx)

	_, err := remote.Write([]byte("hello"))
	require.NoError(t, err)
	eventually(t, func() bool { return strings.Contains(out.String(), "+IPD,0,5:hello") }, "no +IPD in %q", out.String())

	settings.SetShowRemote(true)
	_, err = remote.Write([]byte("x"))
	require.NoError(t, err)
	want := fmt.Sprintf("+IPD,0,1,127.0.0.1,%d:x", p.port())
	eventually(t, func() bool { return strings.Contains(out.String(), want) }, "no %q in %q", want, out.String())
}

func TestReactor_PassiveModeQueues(t *testing.T) {
	r, settings, out := startReactor(t, true, nil)
	settings.SetPassive(true)
	p := newPeer(t)
	idx, _, remote := attachTCP(t, r, p, 1)
	assert.Equal(t, 1, idx)

	_, err := remote.Write([]byte("queued"))
	require.NoError(t, err)
	eventually(t, func() bool {
		n, err := r.RecvLen(1)
		return err == nil && n == 6
	}, "queued length never reached 6")
	assert.Contains(t, out.String(), "+IPD,1,")
	assert.NotContains(t, out.String(), "queued", "passive mode withholds the payload")
	data, err := r.RecvData(1, 4)
	require.NoError(t, err)
	assert.Equal(t, "queu", string(data))
	data, err = r.RecvData(1, 100)
	require.NoError(t, err)
	assert.Equal(t, "ed", string(data))
}

func TestReactor_LocalSendSucceeds(t *testing.T) {
	r, _, out := startReactor(t, true, nil)
	p := newPeer(t)
	idx, _, remote := attachTCP(t, r, p, conntable.AnyIndex)
	info, ok := r.Table().Get(idx)
	require.True(t, ok)

	require.NoError(t, r.Submit(context.Background(), &localchan.Request{Kind: localchan.TCPSend, FD: info.FD, Data: []byte("ping")}))
	buf := make([]byte, 4)
	_, err := io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
	eventually(t, func() bool { return strings.Contains(out.String(), "SEND OK") }, "no SEND OK in %q", out.String())

	info, _ = r.Table().Get(idx)
	assert.Equal(t, uint64(4), info.BytesOut)
}

func TestReactor_SendFailureEvictsOnce(t *testing.T) {
	r, _, out := startReactor(t, true, nil)
	p := newPeer(t)
	idx, conn, _ := attachTCP(t, r, p, conntable.AnyIndex)
	info, _ := r.Table().Get(idx)

	// Break the socket underneath the reactor.
	require.NoError(t, conn.Close())
	_ = r.Submit(context.Background(), &localchan.Request{Kind: localchan.TCPSend, FD: info.FD, Data: []byte("lost")})

	eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "SEND FAIL") && strings.Contains(s, "0,CLOSED")
	}, "expected SEND FAIL and CLOSED in %q", out.String())
	time.Sleep(50 * time.Millisecond)
	s := out.String()
	assert.Equal(t, 1, strings.Count(s, "0,CLOSED"))
	assert.Equal(t, 1, strings.Count(s, "SEND FAIL"))
	assert.NotContains(t, s, "SEND OK")
	assert.Equal(t, 0, r.ValidCount())
}

func TestReactor_SendToUnknownFD(t *testing.T) {
	r, _, out := startReactor(t, true, nil)
	done := make(chan error, 1)
	require.NoError(t, r.Submit(context.Background(), &localchan.Request{Kind: localchan.TCPSend, FD: 99, Data: []byte("x"), Done: done}))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUnknownFD)
	case <-time.After(2 * time.Second):
		t.Fatal("request not completed")
	}
	assert.NotContains(t, out.String(), "SEND", "waiting submitters own the outcome")
}

func TestReactor_DeferredStop(t *testing.T) {
	r, _, out := startReactor(t, true, nil)
	p := newPeer(t)
	attachTCP(t, r, p, conntable.AnyIndex)
	attachTCP(t, r, p, conntable.AnyIndex)
	require.Equal(t, 2, r.ValidCount())

	require.NoError(t, r.RequestStop(0))
	info, ok := r.Table().Get(0)
	if ok {
		assert.True(t, info.StopRequested)
	}
	eventually(t, func() bool { return r.ValidCount() == 1 }, "slot 0 not freed")
	_, ok = r.Table().Get(1)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "0,CLOSED")
}

func TestReactor_SingleConnectionMode(t *testing.T) {
	r, _, _ := startReactor(t, false, nil)
	p := newPeer(t)
	attachTCP(t, r, p, conntable.AnyIndex)
	before := r.Snapshot()

	conn, ep, err := Dial(context.Background(), conntable.TCP, "127.0.0.1", p.port(), 0, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_, err = r.Attach(context.Background(), AttachRequest{Index: conntable.AnyIndex, Conn: conn, Endpoint: ep})
	assert.ErrorIs(t, err, ErrSingleConnection)
	assert.Equal(t, before, r.Snapshot())

	_, err = r.StartServer(context.Background(), conntable.TCP, 0)
	assert.ErrorIs(t, err, ErrSingleConnection)
}

func TestReactor_TCPServerAcceptAndClose(t *testing.T) {
	r, _, out := startReactor(t, true, nil)
	info, err := r.StartServer(context.Background(), conntable.TCP, 0)
	require.NoError(t, err)
	srv, ok := r.Server()
	require.True(t, ok)
	assert.Equal(t, info, srv)

	_, err = r.StartServer(context.Background(), conntable.TCP, 0)
	assert.ErrorIs(t, err, ErrServerActive)

	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", info.Port))
	require.NoError(t, err)
	eventually(t, func() bool { return strings.Contains(out.String(), "0,CONNECT") }, "no CONNECT in %q", out.String())
	got, ok := r.Table().Get(0)
	require.True(t, ok)
	assert.Equal(t, conntable.ServerAccepted, got.Role)

	c.Close()
	eventually(t, func() bool { return strings.Contains(out.String(), "0,CLOSED") }, "no CLOSED in %q", out.String())
	assert.True(t, r.Running(), "server keeps the reactor alive")

	require.NoError(t, r.StopServer(context.Background(), true))
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not exit once empty")
	}
}

func TestReactor_UDPServerDatagram(t *testing.T) {
	r, _, out := startReactor(t, true, nil)
	info, err := r.StartServer(context.Background(), conntable.UDP, 0)
	require.NoError(t, err)

	c, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", info.Port))
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("abc"))
	require.NoError(t, err)

	want := fmt.Sprintf("+IPD,3,127.0.0.1,%d:abc", c.LocalAddr().(*net.UDPAddr).Port)
	eventually(t, func() bool { return strings.Contains(out.String(), want) }, "no %q in %q", want, out.String())
}

func TestReactor_UDPClientSendAndReceive(t *testing.T) {
	r, _, out := startReactor(t, true, nil)
	remote, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer remote.Close()

	conn, ep, err := Dial(context.Background(), conntable.UDP, "127.0.0.1", remote.LocalAddr().(*net.UDPAddr).Port, 0, time.Second)
	require.NoError(t, err)
	idx, err := r.Attach(context.Background(), AttachRequest{Index: conntable.AnyIndex, Conn: conn, Endpoint: ep})
	require.NoError(t, err)
	info, _ := r.Table().Get(idx)

	require.NoError(t, r.Submit(context.Background(), &localchan.Request{Kind: localchan.UDPSend, FD: info.FD, Data: []byte("dgram")}))
	buf := make([]byte, 64)
	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := remote.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "dgram", string(buf[:n]))

	_, err = remote.WriteToUDP([]byte("back"), from)
	require.NoError(t, err)
	eventually(t, func() bool { return strings.Contains(out.String(), "+IPD,0,4:back") }, "no reply in %q", out.String())
}

func TestReactor_PeerValidatorEvicts(t *testing.T) {
	var mu sync.Mutex
	valid := true
	r, _, out := startReactor(t, true, func(o *Options) {
		o.PeerValidator = func(net.IP) bool {
			mu.Lock()
			defer mu.Unlock()
			return valid
		}
	})
	p := newPeer(t)
	attachTCP(t, r, p, conntable.AnyIndex)
	mu.Lock()
	valid = false
	mu.Unlock()
	eventually(t, func() bool { return strings.Contains(out.String(), "0,CLOSED") }, "invalid peer not closed")
}

func TestReactor_PassthroughForwarding(t *testing.T) {
	r, _, out := startReactor(t, false, nil)
	p := newPeer(t)
	idx, _, remote := attachTCP(t, r, p, conntable.AnyIndex)

	pt, err := r.EngagePassthrough(context.Background(), idx)
	require.NoError(t, err)
	_, err = r.EngagePassthrough(context.Background(), idx)
	assert.ErrorIs(t, err, ErrPassthroughActive)

	sink := r.PassthroughSink(pt)
	n, err := sink.Send(context.Background(), []byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	buf := make([]byte, 3)
	_, err = io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "raw", string(buf))

	_, err = remote.Write([]byte("reply"))
	require.NoError(t, err)
	eventually(t, func() bool { return strings.HasSuffix(out.String(), "reply") }, "raw forward missing in %q", out.String())
	assert.NotContains(t, out.String(), "+IPD")

	remote.Close()
	select {
	case <-pt.Closed:
	case <-time.After(2 * time.Second):
		t.Fatal("pass-through not notified of peer close")
	}
}

func TestReactor_PassthroughNeedsSingleConnection(t *testing.T) {
	r, _, _ := startReactor(t, true, nil)
	p := newPeer(t)
	idx, _, _ := attachTCP(t, r, p, conntable.AnyIndex)
	_, err := r.EngagePassthrough(context.Background(), idx)
	assert.ErrorIs(t, err, ErrPassthroughDenied)
}

func TestReactor_StopReleasesSockets(t *testing.T) {
	out := &syncBuffer{}
	r, err := New(testOptions(), NewSettings(true, 0), respond.New(out))
	require.NoError(t, err)
	go r.Run()
	p := newPeer(t)
	_, _, remote := attachTCP(t, r, p, conntable.AnyIndex)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	assert.False(t, r.Running())

	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "peer sees the socket closed")

	_, err = r.Attach(context.Background(), AttachRequest{Index: conntable.AnyIndex})
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, r.Submit(context.Background(), &localchan.Request{Kind: localchan.TCPSend}), ErrStopped)
}

func TestSupervisor_RespawnsAfterIdleExit(t *testing.T) {
	out := &syncBuffer{}
	s := NewSupervisor(testOptions(), NewSettings(true, 0), respond.New(out))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	p := newPeer(t)

	attach := func() int {
		conn, ep, err := Dial(context.Background(), conntable.TCP, "127.0.0.1", p.port(), 0, time.Second)
		require.NoError(t, err)
		idx, err := s.Attach(context.Background(), AttachRequest{Index: conntable.AnyIndex, Conn: conn, Endpoint: ep})
		require.NoError(t, err)
		p.accept(t)
		return idx
	}

	idx := attach()
	first := s.Current()
	require.NotNil(t, first)
	require.NoError(t, s.Close(context.Background(), idx))
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not exit with an empty table")
	}
	assert.Nil(t, s.Current())
	assert.Equal(t, 0, s.ValidCount())

	attach()
	second := s.Current()
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, s.ValidCount())
}

func TestReactor_LoopbackChannel(t *testing.T) {
	r, _, out := startReactor(t, true, func(o *Options) { o.LocalChannel = "loopback" })
	p := newPeer(t)
	idx, _, remote := attachTCP(t, r, p, conntable.AnyIndex)
	info, _ := r.Table().Get(idx)

	require.NoError(t, r.Submit(context.Background(), &localchan.Request{Kind: localchan.TCPSend, FD: info.FD, Data: []byte("via-udp")}))
	buf := make([]byte, 7)
	_, err := io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "via-udp", string(buf))
	eventually(t, func() bool { return strings.Contains(out.String(), "SEND OK") }, "no SEND OK")
}

// faultyConn fails the first failures writes with err (all of them when
// failures is negative) and otherwise behaves like the wrapped socket.
type faultyConn struct {
	net.Conn
	err      error
	failures atomic.Int64
	writes   atomic.Int64
}

func (c *faultyConn) Write(p []byte) (int, error) {
	c.writes.Add(1)
	if c.failures.Load() != 0 {
		c.failures.Add(-1)
		return 0, c.err
	}
	return c.Conn.Write(p)
}

func attachFaulty(t *testing.T, r *Reactor, p *peer, err error, failures int64) (*faultyConn, conntable.Info, net.Conn) {
	t.Helper()
	conn, ep, dialErr := Dial(context.Background(), conntable.TCP, "127.0.0.1", p.port(), 0, time.Second)
	require.NoError(t, dialErr)
	fc := &faultyConn{Conn: conn, err: err}
	fc.failures.Store(failures)
	idx, attachErr := r.Attach(context.Background(), AttachRequest{Index: conntable.AnyIndex, Conn: fc, Endpoint: ep})
	require.NoError(t, attachErr)
	info, ok := r.Table().Get(idx)
	require.True(t, ok)
	return fc, info, p.accept(t)
}

func TestReactor_HardSendErrorWhileReaderBlocked(t *testing.T) {
	r, _, out := startReactor(t, true, nil)
	p := newPeer(t)
	fc, info, _ := attachFaulty(t, r, p, errors.New("write: broken pipe"), -1)

	require.NoError(t, r.Submit(context.Background(), &localchan.Request{Kind: localchan.TCPSend, FD: info.FD, Data: []byte("lost")}))
	eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "SEND FAIL") && strings.Contains(s, "0,CLOSED")
	}, "expected SEND FAIL and CLOSED in %q", out.String())
	time.Sleep(50 * time.Millisecond)
	s := out.String()
	assert.Equal(t, 1, strings.Count(s, "SEND FAIL"))
	assert.Equal(t, 1, strings.Count(s, "0,CLOSED"))
	assert.Equal(t, int64(1), fc.writes.Load(), "hard errors are not retried")
	assert.Equal(t, 0, r.ValidCount())
}

func TestReactor_TransientSendErrorRetried(t *testing.T) {
	r, _, out := startReactor(t, true, func(o *Options) {
		o.SendRetries = 3
		o.SendRetryDelay = time.Millisecond
	})
	p := newPeer(t)
	fc, info, remote := attachFaulty(t, r, p, os.ErrDeadlineExceeded, 2)

	require.NoError(t, r.Submit(context.Background(), &localchan.Request{Kind: localchan.TCPSend, FD: info.FD, Data: []byte("late")}))
	buf := make([]byte, 4)
	_, err := io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "late", string(buf))
	eventually(t, func() bool { return strings.Contains(out.String(), "SEND OK") }, "no SEND OK in %q", out.String())
	assert.Equal(t, int64(3), fc.writes.Load())
	assert.Equal(t, 1, r.ValidCount())
	assert.NotContains(t, out.String(), "CLOSED")
}

func TestReactor_TransientSendErrorBudgetEvicts(t *testing.T) {
	r, _, out := startReactor(t, true, func(o *Options) {
		o.SendRetries = 2
		o.SendRetryDelay = time.Millisecond
	})
	p := newPeer(t)
	fc, info, _ := attachFaulty(t, r, p, os.ErrDeadlineExceeded, -1)

	done := make(chan error, 1)
	require.NoError(t, r.Submit(context.Background(), &localchan.Request{Kind: localchan.TCPSend, FD: info.FD, Data: []byte("x"), Done: done}))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSendStalled)
	case <-time.After(2 * time.Second):
		t.Fatal("send never gave up")
	}
	assert.Equal(t, int64(3), fc.writes.Load(), "one attempt plus two retries")
	eventually(t, func() bool { return r.ValidCount() == 0 }, "stalled slot not evicted")
	assert.Equal(t, 1, strings.Count(out.String(), "0,CLOSED"))
}

func TestReactor_StalledPeerDoesNotBlockOtherCommands(t *testing.T) {
	r, _, out := startReactor(t, true, func(o *Options) {
		o.SendTimeout = 100 * time.Millisecond
		o.SendRetries = 2
		o.SendRetryDelay = time.Millisecond
	})
	p := newPeer(t)
	idx0, _, _ := attachTCP(t, r, p, conntable.AnyIndex) // peer never reads
	idx1, _, _ := attachTCP(t, r, p, conntable.AnyIndex)
	info, _ := r.Table().Get(idx0)

	require.NoError(t, r.Submit(context.Background(), &localchan.Request{Kind: localchan.TCPSend, FD: info.FD, Data: make([]byte, 64<<20)}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx, idx1))

	eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "SEND FAIL") && strings.Contains(s, "0,CLOSED")
	}, "stalled slot not evicted: %q", out.String())
	assert.Contains(t, out.String(), "1,CLOSED")
	assert.Equal(t, 0, r.ValidCount())
}

// dialRejected connects to a running server and reports whether the
// reactor dropped the connection straight away.
func dialRejected(t *testing.T, port int) bool {
	t.Helper()
	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c.Read(make([]byte, 1))
	var ne net.Error
	return err != nil && !(errors.As(err, &ne) && ne.Timeout())
}

func TestReactor_AcceptRejectedWhenTableFull(t *testing.T) {
	r, _, out := startReactor(t, true, func(o *Options) { o.MaxClients = 1 })
	info, err := r.StartServer(context.Background(), conntable.TCP, 0)
	require.NoError(t, err)

	first, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", info.Port))
	require.NoError(t, err)
	defer first.Close()
	eventually(t, func() bool { return r.ValidCount() == 1 }, "first client not accepted")

	assert.True(t, dialRejected(t, info.Port), "second client should be dropped")
	assert.Equal(t, 1, r.ValidCount())
	assert.Equal(t, 1, strings.Count(out.String(), "CONNECT"))
}

func TestReactor_AcceptRejectedInSingleConnectionMode(t *testing.T) {
	r, settings, out := startReactor(t, true, nil)
	info, err := r.StartServer(context.Background(), conntable.TCP, 0)
	require.NoError(t, err)

	first, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", info.Port))
	require.NoError(t, err)
	defer first.Close()
	eventually(t, func() bool { return r.ValidCount() == 1 }, "first client not accepted")

	settings.SetMultiplex(false)
	assert.True(t, dialRejected(t, info.Port), "single-connection mode admits one endpoint")
	assert.Equal(t, 1, r.ValidCount())
	assert.Equal(t, 1, strings.Count(out.String(), "CONNECT"))
}

func TestReactor_AcceptRejectedDuringPassthrough(t *testing.T) {
	r, _, _ := startReactor(t, true, nil)
	info, err := r.StartServer(context.Background(), conntable.TCP, 0)
	require.NoError(t, err)
	require.NoError(t, r.do(context.Background(), func() error {
		r.pt = ptState{engaged: true, fd: -1, closed: make(chan struct{})}
		return nil
	}))

	assert.True(t, dialRejected(t, info.Port), "no new connections while pass-through is engaged")
	assert.Equal(t, 0, r.ValidCount())

	require.NoError(t, r.DisengagePassthrough(context.Background()))
	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", info.Port))
	require.NoError(t, err)
	defer c.Close()
	eventually(t, func() bool { return r.ValidCount() == 1 }, "client not accepted after pass-through ended")
}

func TestReactor_StopReportsEveryAcceptedRequest(t *testing.T) {
	out := &syncBuffer{}
	opts := testOptions()
	opts.Channel = localchan.Options{Depth: 64, SubmitRetries: 1, SubmitBackoff: time.Millisecond}
	r, err := New(opts, NewSettings(true, 0), respond.New(out))
	require.NoError(t, err)
	go r.Run()

	var accepted atomic.Int64
	results := make(chan error, 200)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				req := &localchan.Request{Kind: localchan.TCPSend, FD: 99, Data: []byte("x"), Done: results}
				if r.Submit(context.Background(), req) == nil {
					accepted.Add(1)
				}
			}
		}()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
	wg.Wait()

	for i := int64(0); i < accepted.Load(); i++ {
		select {
		case err := <-results:
			assert.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d accepted requests completed", i, accepted.Load())
		}
	}
}
