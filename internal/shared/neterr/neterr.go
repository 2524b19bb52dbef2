// Package neterr classifies socket errors into transient (retry locally) and
// connection-level (evict the slot) failures.
package neterr

import (
	"errors"
	"io"
	"net"
	"os"
)

// IsTransient reports whether err is a resource-exhaustion or would-block
// condition that is worth retrying on the same socket.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if isTransientErrno(err) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// IsClosed reports whether err means the peer (or we) closed the socket in an orderly way.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
