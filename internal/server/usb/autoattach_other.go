//go:build !linux

package usb

import (
	"context"
	"errors"
	"log/slog"
)

var errAutoAttachUnsupported = errors.New("auto-attach is only supported on linux")

func attachLocalhost(context.Context, []string, *slog.Logger) error {
	return errAutoAttachUnsupported
}

func checkAutoAttachPrerequisites(logger *slog.Logger) bool {
	logger.Warn("Auto-attach is only supported on linux")
	return false
}
