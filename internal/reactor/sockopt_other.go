//go:build !unix

package reactor

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error { return nil }
