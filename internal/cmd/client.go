package cmd

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/me56ps2/me56ps2/apiclient"
)

// APIClientConfig selects the API server a client command talks to.
type APIClientConfig struct {
	Addr     string        `help:"API server address" default:"localhost:3242" env:"ME56PS2_API_CLIENT_ADDR"`
	Password string        `help:"API password; defaults to the local key file" env:"ME56PS2_API_PASSWORD"`
	Timeout  time.Duration `help:"Request timeout" default:"5s" env:"ME56PS2_API_CLIENT_TIMEOUT"`
}

func (c APIClientConfig) client(logger *slog.Logger) *apiclient.Client {
	pwd := c.Password
	if pwd == "" {
		if path, err := keyFilePath(); err == nil {
			if b, err := os.ReadFile(path); err == nil {
				pwd = strings.TrimSpace(string(b))
				logger.Debug("using API password from key file", "path", path)
			}
		}
	}
	return apiclient.NewWithConfig(c.Addr, apiclient.Config{
		DialTimeout:  c.Timeout,
		ReadTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		Password:     pwd,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Status prints the state of a running emulator.
type Status struct {
	API APIClientConfig `embed:"" prefix:"api."`
}

func (s *Status) Run(logger *slog.Logger) error {
	st, err := s.API.client(logger).Status()
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, st)
}

// Hangup drops the current call of a running emulator.
type Hangup struct {
	API APIClientConfig `embed:"" prefix:"api."`
}

func (h *Hangup) Run(logger *slog.Logger) error {
	resp, err := h.API.client(logger).Hangup()
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, resp)
}
