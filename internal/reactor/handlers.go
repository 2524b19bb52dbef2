package reactor

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"time"

	"atbridge_go/internal/conntable"
	"atbridge_go/internal/localchan"
	"atbridge_go/internal/respond"
	"atbridge_go/internal/shared/neterr"
)

// post hands an event to the reactor; false once the reactor is gone.
func (r *Reactor) post(ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *Reactor) readStream(fd int, c net.Conn) {
	defer r.wg.Done()
	buf := make([]byte, r.opts.RecvBufferSize)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if !r.post(event{kind: evData, fd: fd, data: bytes.Clone(buf[:n])}) {
				return
			}
		}
		if err != nil {
			kind := evError
			if neterr.IsClosed(err) {
				kind = evClosed
			}
			r.post(event{kind: kind, fd: fd, err: err})
			return
		}
	}
}

// readDatagrams serves both UDP client slots and the UDP server socket.
func (r *Reactor) readDatagrams(fd int, pc *net.UDPConn, isServer bool) {
	defer r.wg.Done()
	buf := make([]byte, 65535)
	kind := evData
	if isServer {
		kind = evDatagram
	}
	for {
		n, from, err := pc.ReadFromUDP(buf)
		if err != nil {
			if neterr.IsClosed(err) {
				if !isServer {
					r.post(event{kind: evClosed, fd: fd, err: err})
				}
				return
			}
			// ICMP errors and the like do not end a UDP endpoint.
			r.logger.Debug().Err(err).Int("fd", fd).Msg("UDP receive error")
			select {
			case <-r.done:
				return
			case <-time.After(r.opts.SendRetryDelay):
			}
			continue
		}
		if !r.post(event{kind: kind, fd: fd, data: bytes.Clone(buf[:n]), from: from}) {
			return
		}
	}
}

func (r *Reactor) acceptLoop(ln net.Listener) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn().Err(err).Msg("Accept failed")
			select {
			case <-r.done:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if !r.post(event{kind: evAccepted, conn: conn}) {
			conn.Close()
			return
		}
	}
}

func (r *Reactor) dispatch(ev event) {
	switch ev.kind {
	case evAccepted:
		r.handleAccept(ev.conn)
	case evDatagram:
		_ = r.out.IPDDatagram(ev.from.IP.String(), ev.from.Port, ev.data)
	case evData:
		r.handleData(ev)
	case evClosed:
		if idx, ok := r.table.FindByFD(ev.fd); ok {
			r.closeSlot(idx, "peer closed", nil)
		}
	case evError:
		if idx, ok := r.table.FindByFD(ev.fd); ok {
			r.closeSlot(idx, "receive error", ev.err)
		}
	}
}

func (r *Reactor) handleAccept(c net.Conn) {
	reject := func(reason string) {
		r.logger.Warn().Str("remote_addr", c.RemoteAddr().String()).Str("reason", reason).Msg("Rejecting connection")
		_ = c.Close()
	}
	switch {
	case r.pt.engaged:
		reject("pass-through engaged")
		return
	case !r.settings.Multiplex() && r.table.ValidCount() > 0:
		reject("single-connection mode")
		return
	}
	idx, err := r.table.Allocate(conntable.AnyIndex)
	if err != nil {
		reject(err.Error())
		return
	}
	raddr, _ := c.RemoteAddr().(*net.TCPAddr)
	laddr, _ := c.LocalAddr().(*net.TCPAddr)
	ep := conntable.Endpoint{Transport: conntable.TCP, Role: conntable.ServerAccepted, Conn: c}
	if raddr != nil {
		ep.RemoteAddr, ep.RemotePort = raddr.IP.String(), raddr.Port
	}
	if laddr != nil {
		ep.LocalPort = laddr.Port
	}
	fd := r.mint()
	if _, err := r.table.Store(idx, fd, ep); err != nil {
		r.table.Release(idx)
		reject(err.Error())
		return
	}
	r.track(idx, fd, ep)
	_ = r.out.Connect(idx, r.settings.Multiplex())
}

func (r *Reactor) handleData(ev event) {
	idx, ok := r.table.FindByFD(ev.fd)
	if !ok {
		return
	}
	l := r.links[ev.fd]
	if l != nil {
		l.lastSeen = time.Now()
	}
	r.table.AddBytes(idx, len(ev.data), 0)

	if r.pt.engaged && r.pt.fd == ev.fd {
		_ = r.out.Raw(ev.data)
		return
	}
	multi := r.settings.Multiplex()
	if r.settings.Passive() {
		if in, err := r.table.Inbound(idx); err == nil && in != nil {
			if in.Push(ev.data) {
				r.logger.Warn().Int("link_id", idx).Uint64("dropped", in.Dropped()).Msg("Inbound queue full, oldest fragment dropped")
			}
			_ = r.out.IPDPassive(idx, multi, len(ev.data))
			return
		}
	}
	var remote *respond.Remote
	if r.settings.ShowRemote() {
		if ev.from != nil {
			remote = &respond.Remote{IP: ev.from.IP.String(), Port: ev.from.Port}
		} else if info, ok := r.table.Get(idx); ok {
			remote = &respond.Remote{IP: info.RemoteAddr, Port: info.RemotePort}
		}
	}
	_ = r.out.IPD(idx, multi, remote, ev.data)
}

// handleSend performs one local send request. Transient errors are retried
// up to SendRetries times in a row without progress. A hard error, a spent
// retry budget or a terminate request evicts the slot. Either way exactly one
// outcome is reported.
func (r *Reactor) handleSend(req *localchan.Request) {
	idx, ok := r.table.FindByFD(req.FD)
	l := r.links[req.FD]
	if !ok || l == nil {
		r.finishRequest(req, ErrUnknownFD)
		return
	}

	data := req.Data
	total, stalls := 0, 0
	for len(data) > 0 {
		if r.opts.SendTimeout > 0 {
			_ = l.conn.SetWriteDeadline(time.Now().Add(r.opts.SendTimeout))
		}
		var n int
		var err error
		if l.udp != nil {
			dest := req.Dest
			if dest == nil {
				dest = l.dest
			}
			n, err = l.udp.WriteToUDP(data, dest)
		} else {
			n, err = l.conn.Write(data)
		}
		data = data[n:]
		total += n
		if n > 0 {
			stalls = 0
		}
		if err == nil {
			continue
		}
		reason := "send failed"
		if neterr.IsTransient(err) && !r.terminate.Load() {
			if stalls < r.opts.SendRetries {
				stalls++
				r.logger.Debug().Err(err).Int("link_id", idx).Int("attempt", stalls).Msg("Transient send error, retrying")
				time.Sleep(r.opts.SendRetryDelay)
				continue
			}
			reason = "send stalled"
			err = fmt.Errorf("%w: %d retries without progress: %v", ErrSendStalled, stalls, err)
		}
		r.table.AddBytes(idx, 0, total)
		r.finishRequest(req, err)
		r.closeSlot(idx, reason, err)
		return
	}
	r.table.AddBytes(idx, 0, total)
	r.finishRequest(req, nil)
}

// finishRequest reports the outcome either to the waiting submitter or to the host.
func (r *Reactor) finishRequest(req *localchan.Request, err error) {
	if req.Done != nil {
		select {
		case req.Done <- err:
		default:
		}
		return
	}
	if err != nil {
		_ = r.out.SendFail()
		return
	}
	_ = r.out.SendOK()
}
