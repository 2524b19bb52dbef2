//go:build unix

package neterr

import (
	"errors"

	"golang.org/x/sys/unix"
)

var transientErrnos = []unix.Errno{
	unix.EAGAIN,
	unix.EWOULDBLOCK,
	unix.ENOBUFS,
	unix.ENOMEM,
	unix.EINTR,
}

func isTransientErrno(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	for _, e := range transientErrnos {
		if errno == e {
			return true
		}
	}
	return false
}

// Errno extracts the errno carried by err, 0 when there is none.
func Errno(err error) int {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 0
}
