package usb

import (
	"context"
	"log/slog"
	"strconv"
)

// AttachCommand returns the usbip invocation that attaches the modem
// exported on port to the local vhci-hcd controller.
func AttachCommand(port uint16, busID string) []string {
	return []string{"usbip", "--tcp-port", strconv.FormatUint(uint64(port), 10), "attach", "-r", "localhost", "-b", busID}
}

// AttachLocalhost runs usbip attach for the server's own export.
func (s *Server) AttachLocalhost(ctx context.Context) error {
	return attachLocalhost(ctx, AttachCommand(s.GetListenPort(), s.config.BusID), s.logger)
}

// CheckAutoAttachPrerequisites reports whether usbip attach can work on
// this host, logging what is missing.
func CheckAutoAttachPrerequisites(logger *slog.Logger) bool {
	return checkAutoAttachPrerequisites(logger)
}
