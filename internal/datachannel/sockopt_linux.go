//go:build linux

package datachannel

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// socketPriority is the SO_PRIORITY class used for interactive audio.
const socketPriority = 6

func controlSocket(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, socketPriority)
	})
	if err != nil {
		return err
	}
	if sockErr != nil {
		// Some sandboxes reject the option; traffic still flows unprioritised.
		log.Debug("SO_PRIORITY not applied", "error", sockErr)
	}
	return nil
}
