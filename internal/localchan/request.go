// Package localchan carries send requests from command contexts to the reactor.
//
// Producers never touch sockets. They submit a Request and the reactor, which
// owns every socket, performs the write. Two transports exist: a typed
// in-process channel (default) and a loopback UDP socket pair for deployments
// where producer and reactor sit on different sides of an isolation boundary.
package localchan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSubmitFailed is returned once the retry budget for transient
	// conditions is exhausted.
	ErrSubmitFailed = errors.New("local channel submit failed")
	ErrClosed       = errors.New("local channel closed")
	ErrBadDatagram  = errors.New("malformed local channel datagram")
)

// Kind tags the request variant.
type Kind uint8

const (
	TCPSend Kind = iota + 1
	UDPSend
)

func (k Kind) String() string {
	switch k {
	case TCPSend:
		return "tcp_send"
	case UDPSend:
		return "udp_send"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Request is consumed exactly once by the reactor.
//
// With Done == nil the reactor reports the outcome to the host itself
// (SEND OK / SEND FAIL). A non-nil Done belongs to a pass-through submitter
// which waits for the result and keeps ownership of Data.
type Request struct {
	ID   uuid.UUID
	Kind Kind
	FD   int
	Data []byte
	Dest *net.UDPAddr
	Done chan<- error
}

// Channel is the producer/consumer contract shared by both transports.
type Channel interface {
	// Submit hands req to the reactor without waiting for the send itself.
	Submit(ctx context.Context, req *Request) error
	// Requests is read by the reactor only.
	Requests() <-chan *Request
	// Close stops accepting submissions. Once it returns no Submit can
	// succeed any more.
	Close() error
	// Drain returns every accepted request not yet read from Requests.
	// Only meaningful after Close.
	Drain() []*Request
}

type Options struct {
	Depth         int
	SubmitRetries int
	SubmitBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Depth < 1 {
		o.Depth = 16
	}
	if o.SubmitRetries < 0 {
		o.SubmitRetries = 0
	}
	if o.SubmitBackoff <= 0 {
		o.SubmitBackoff = 10 * time.Millisecond
	}
	return o
}

func validate(req *Request) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrBadDatagram)
	}
	switch req.Kind {
	case TCPSend:
	case UDPSend:
	default:
		return fmt.Errorf("%w: unknown kind %s", ErrBadDatagram, req.Kind)
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	return nil
}

// backoff sleeps d unless ctx or done ends first.
func backoff(ctx context.Context, done <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
