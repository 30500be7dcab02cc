package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/me56ps2/me56ps2/internal/server/api/handler"
	"github.com/me56ps2/me56ps2/modem"
)

// Models lists the emulated modem models.
type Models struct {
	JSON bool `help:"Print JSON instead of a table"`

	Out io.Writer `kong:"-"`
}

func (m *Models) Run() error {
	w := m.Out
	if w == nil {
		w = os.Stdout
	}
	if m.JSON {
		models := make([]any, 0, len(modem.Models()))
		for _, v := range modem.Models() {
			models = append(models, handler.ModelToApi(v))
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tVID:PID\tDESCRIPTION")
	for _, v := range modem.Models() {
		info := handler.ModelToApi(v)
		fmt.Fprintf(tw, "%s\t%s:%s\t%s\n", info.Name, info.Vid[2:], info.Pid[2:], info.Description)
	}
	return tw.Flush()
}
