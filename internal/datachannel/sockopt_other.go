//go:build !linux

package datachannel

import "syscall"

func controlSocket(_, _ string, _ syscall.RawConn) error {
	return nil
}
