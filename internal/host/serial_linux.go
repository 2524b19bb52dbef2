//go:build linux

package host

import (
	"io"

	"github.com/ziutek/serial"
)

// openSerial opens a tty in raw mode and sets its line speed. A baud of 0
// keeps the speed the device already has.
func openSerial(path string, baud int) (io.ReadWriteCloser, error) {
	s, err := serial.Open(path)
	if err != nil {
		return nil, err
	}
	if baud > 0 {
		if err := s.SetSpeed(baud); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}
