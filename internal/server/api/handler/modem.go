package handler

import (
	"encoding/json"
	"log/slog"

	"github.com/me56ps2/me56ps2/apitypes"
	"github.com/me56ps2/me56ps2/gadget"
	"github.com/me56ps2/me56ps2/internal/server/api"
	"github.com/me56ps2/me56ps2/modem"
)

// Status builds the current status snapshot of emu.
func Status(emu *gadget.Emulator) apitypes.ModemStatus {
	st := emu.State()
	out := apitypes.ModemStatus{
		Model:      emu.Variant().Name(),
		Configured: emu.Dispatcher().Configured(),
		Online:     st.Online(),
		Workers:    emu.Workers(),
		TxBuffered: st.Tx().Len(),
		TxCapacity: st.Tx().Cap(),
	}
	if b := st.Active(); b != nil {
		out.Backend = b.Name()
	}
	if t := st.Terminal(); t != nil && t.IsConnected() {
		out.Pty = t.SlavePath()
	}
	if d := st.Dialer(); d != nil {
		if ts, ok := d.(interface{ Target() string }); ok {
			out.Socket = ts.Target()
		}
	}
	return out
}

// ModemStatus returns a handler reporting the emulator state.
func ModemStatus(emu *gadget.Emulator) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, err := json.Marshal(Status(emu))
		if err != nil {
			return err
		}
		res.JSON = string(b)
		return nil
	}
}

// ModemHangup returns a handler that drops the current call, as DTR low
// from the host would.
func ModemHangup(st *modem.State) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		var name string
		if b := st.Active(); b != nil {
			name = b.Name()
		}
		if !st.Hangup() {
			return api.ErrConflict("modem is not on-line")
		}
		logger.Info("Hung up by API request", "backend", name)
		b, err := json.Marshal(apitypes.HangupResponse{Hungup: true, Backend: name})
		if err != nil {
			return err
		}
		res.JSON = string(b)
		return nil
	}
}
