package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/me56ps2/me56ps2/apitypes"
	"github.com/me56ps2/me56ps2/internal/server/api"
	"github.com/me56ps2/me56ps2/modem"
	"github.com/me56ps2/me56ps2/usb"
)

// ModelToApi converts a variant into its API representation.
func ModelToApi(v modem.Variant) apitypes.Model {
	d := v.Descriptor().Device
	return apitypes.Model{
		Name:        v.Name(),
		Description: v.Description(),
		Vid:         fmt.Sprintf("0x%04x", d.IDVendor),
		Pid:         fmt.Sprintf("0x%04x", d.IDProduct),
		Speed:       speedName(d.Speed),
	}
}

func speedName(s uint32) string {
	switch s {
	case usb.SpeedLow:
		return "low"
	case usb.SpeedFull:
		return "full"
	case usb.SpeedHigh:
		return "high"
	}
	return "unknown"
}

// Models returns a handler listing every emulated model. A payload narrows
// the list to one model name.
func Models() api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		var variants []modem.Variant
		if req.Payload != "" {
			v, err := modem.Lookup(req.Payload)
			if err != nil {
				return api.ErrNotFound(err.Error())
			}
			variants = []modem.Variant{v}
		} else {
			variants = modem.Models()
		}
		out := apitypes.ModelsResponse{Models: make([]apitypes.Model, 0, len(variants))}
		for _, v := range variants {
			out.Models = append(out.Models, ModelToApi(v))
		}
		b, err := json.Marshal(out)
		if err != nil {
			return err
		}
		res.JSON = string(b)
		return nil
	}
}
