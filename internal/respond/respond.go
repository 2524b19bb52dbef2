// Package respond formats response lines for the host.
//
// Every command terminates with exactly one of OK, ERROR, SEND OK or SEND FAIL.
// Asynchronous notifications (CONNECT, CLOSED, +IPD) may interleave between
// commands; the mutex keeps each one contiguous on the wire.
package respond

import (
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

const (
	crlf     = "\r\n"
	ok       = "OK"
	errorMsg = "ERROR"
	sendOK   = "SEND OK"
	sendFail = "SEND FAIL"
	prompt   = ">"
)

type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func New(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (r *Writer) write(parts ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := io.WriteString(r.w, strings.Join(parts, ""))
	return err
}

func (r *Writer) writeBytes(head string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := make([]byte, 0, len(head)+len(data))
	buf = append(buf, head...)
	buf = append(buf, data...)
	_, err := r.w.Write(buf)
	return err
}

// Line emits +NAME:f1,f2.
func (r *Writer) Line(name string, fields ...any) error {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = field(f)
	}
	return r.write("+", name, ":", strings.Join(parts, ","), crlf)
}

func field(f any) string {
	switch v := f.(type) {
	case string:
		return v
	case Quoted:
		return strconv.Quote(string(v))
	case int:
		return strconv.Itoa(v)
	case bool:
		if v {
			return "1"
		}
		return "0"
	case net.IP:
		return v.String()
	default:
		if s, ok := v.(interface{ String() string }); ok {
			return s.String()
		}
		return ""
	}
}

// Quoted is rendered with surrounding double quotes.
type Quoted string

// Text emits a bare line.
func (r *Writer) Text(s string) error { return r.write(s, crlf) }

func (r *Writer) OK() error       { return r.write(crlf, ok, crlf) }
func (r *Writer) Error() error    { return r.write(crlf, errorMsg, crlf) }
func (r *Writer) SendOK() error   { return r.write(crlf, sendOK, crlf) }
func (r *Writer) SendFail() error { return r.write(crlf, sendFail, crlf) }

// Prompt tells the host to start streaming payload bytes.
func (r *Writer) Prompt() error { return r.write(prompt) }

// Raw forwards bytes unchanged; used in pass-through mode.
func (r *Writer) Raw(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.w.Write(p)
	return err
}

func (r *Writer) Connect(id int, multi bool) error {
	return r.write(linkPrefix(id, multi), "CONNECT", crlf)
}

func (r *Writer) Closed(id int, multi bool) error {
	return r.write(linkPrefix(id, multi), "CLOSED", crlf)
}

func linkPrefix(id int, multi bool) string {
	if !multi {
		return ""
	}
	return strconv.Itoa(id) + ","
}

// Remote is the optional sender identity appended when +CIPDINFO is on.
type Remote struct {
	IP   string
	Port int
}

// IPD emits an active-mode inbound data notification.
func (r *Writer) IPD(id int, multi bool, remote *Remote, data []byte) error {
	var b strings.Builder
	b.WriteString(crlf)
	b.WriteString("+IPD,")
	b.WriteString(linkPrefix(id, multi))
	b.WriteString(strconv.Itoa(len(data)))
	if remote != nil {
		b.WriteString(",")
		b.WriteString(remote.IP)
		b.WriteString(",")
		b.WriteString(strconv.Itoa(remote.Port))
	}
	b.WriteString(":")
	return r.writeBytes(b.String(), data)
}

// IPDPassive announces n queued bytes without the payload.
func (r *Writer) IPDPassive(id int, multi bool, n int) error {
	return r.write(crlf, "+IPD,", linkPrefix(id, multi), strconv.Itoa(n), crlf)
}

// IPDDatagram reports a datagram received by a UDP server socket.
func (r *Writer) IPDDatagram(ip string, port int, data []byte) error {
	head := crlf + "+IPD," + strconv.Itoa(len(data)) + "," + ip + "," + strconv.Itoa(port) + ":"
	return r.writeBytes(head, data)
}

// Payload emits +NAME:<len>,<data> for data retrieved on request.
func (r *Writer) Payload(name string, data []byte) error {
	head := "+" + name + ":" + strconv.Itoa(len(data)) + ","
	return r.writeBytes(head, append(append([]byte(nil), data...), crlf...))
}

// RecvBytes acknowledges a completed payload read.
func (r *Writer) RecvBytes(n int) error {
	return r.write(crlf, "Recv ", strconv.Itoa(n), " bytes", crlf)
}
