//go:build !linux

package rawgadget

import (
	"errors"
	"log/slog"

	"github.com/me56ps2/me56ps2/gadget"
)

var errUnsupported = errors.New("raw-gadget is only available on Linux")

// Open always fails outside Linux.
func Open(Config, *slog.Logger) (gadget.Transport, error) {
	return nil, errUnsupported
}
