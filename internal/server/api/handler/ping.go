package handler

import (
	"encoding/json"
	"log/slog"

	"github.com/me56ps2/me56ps2/apitypes"
	"github.com/me56ps2/me56ps2/internal/server/api"
)

// ServerName is reported by ping.
const ServerName = "me56ps2"

// Version is overridden at link time.
var Version = "dev"

// Ping returns a handler that identifies the server.
func Ping() api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, err := json.Marshal(apitypes.PingResponse{Server: ServerName, Version: Version})
		if err != nil {
			return err
		}
		res.JSON = string(b)
		return nil
	}
}
