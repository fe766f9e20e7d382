//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/TheChosenO1/pamplejuce/internal/logging"
)

// reopenOnHangup reopens the log file on SIGHUP so external rotation tools
// can move it away.
func reopenOnHangup(ctx context.Context, rw *logging.RotatingWriter) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := rw.Reopen(); err != nil {
				log.Warn("log reopen failed", "path", rw.Path(), logging.KeyError, err)
				continue
			}
			log.Info("log file reopened", "path", rw.Path())
		}
	}
}
