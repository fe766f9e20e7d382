//go:build windows

package main

import (
	"context"

	"github.com/TheChosenO1/pamplejuce/internal/logging"
)

// Windows has no SIGHUP; the rotating writer still rotates by size.
func reopenOnHangup(ctx context.Context, _ *logging.RotatingWriter) {
	<-ctx.Done()
}
