//go:build !linux

package host

import (
	"errors"
	"io"
)

func openSerial(string, int) (io.ReadWriteCloser, error) {
	return nil, errors.New("serial host mode is only supported on linux")
}
