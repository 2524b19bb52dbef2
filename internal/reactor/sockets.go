package reactor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"atbridge_go/internal/conntable"
)

// Dial opens a client socket from the command context. The returned
// connection belongs to the caller until Attach hands it to the reactor.
// UDP "connections" are unconnected sockets bound to localPort whose default
// destination is host:port.
func Dial(ctx context.Context, transport conntable.Transport, host string, port, localPort int, timeout time.Duration) (net.Conn, conntable.Endpoint, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ep := conntable.Endpoint{Transport: transport, Role: conntable.Client, RemotePort: port}

	switch transport {
	case conntable.TCP:
		d := net.Dialer{Timeout: timeout}
		if localPort > 0 {
			d.LocalAddr = &net.TCPAddr{Port: localPort}
		}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, ep, fmt.Errorf("connect %s: %w", addr, err)
		}
		raddr := conn.RemoteAddr().(*net.TCPAddr)
		ep.RemoteAddr = raddr.IP.String()
		ep.LocalPort = conn.LocalAddr().(*net.TCPAddr).Port
		return conn, ep, nil
	case conntable.UDP:
		dest, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, ep, fmt.Errorf("resolve %s: %w", addr, err)
		}
		network := "udp4"
		if dest.IP.To4() == nil {
			network = "udp6"
		}
		conn, err := net.ListenUDP(network, &net.UDPAddr{Port: localPort})
		if err != nil {
			return nil, ep, fmt.Errorf("bind udp port %d: %w", localPort, err)
		}
		ep.RemoteAddr = dest.IP.String()
		ep.LocalPort = conn.LocalAddr().(*net.UDPAddr).Port
		return conn, ep, nil
	default:
		return nil, ep, fmt.Errorf("unknown transport %d", transport)
	}
}

type server struct {
	transport conntable.Transport
	port      int
	ln        net.Listener
	pc        *net.UDPConn
}

func (s *server) close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return s.pc.Close()
}

func (s *server) info() ServerInfo {
	return ServerInfo{Transport: s.transport, Port: s.port}
}

// listen binds the server socket with SO_REUSEADDR so that a restarted
// server can rebind while old connections sit in TIME_WAIT.
func listen(ctx context.Context, transport conntable.Transport, port int) (*server, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	addr := net.JoinHostPort("", strconv.Itoa(port))
	srv := &server{transport: transport}
	switch transport {
	case conntable.TCP:
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
		}
		srv.ln = ln
		srv.port = ln.Addr().(*net.TCPAddr).Port
	case conntable.UDP:
		pc, err := lc.ListenPacket(ctx, "udp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen udp %s: %w", addr, err)
		}
		srv.pc = pc.(*net.UDPConn)
		srv.port = srv.pc.LocalAddr().(*net.UDPAddr).Port
	default:
		return nil, fmt.Errorf("unknown transport %d", transport)
	}
	return srv, nil
}

func (r *Reactor) configure(c net.Conn) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	if r.opts.KeepAlive > 0 {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(r.opts.KeepAlive)
	}
	if r.opts.Linger >= 0 {
		_ = tc.SetLinger(r.opts.Linger)
	}
}
