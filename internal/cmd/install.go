package cmd

import (
	"log/slog"
	"os"
	"path/filepath"
)

// Install registers the emulator as a system service running serve.
type Install struct {
	Args []string `arg:"" optional:"" help:"Extra arguments passed to serve"`
}

func (i *Install) Run(logger *slog.Logger) error { return install(logger, i.Args) }

// Uninstall removes the system service.
type Uninstall struct{}

func (u *Uninstall) Run(logger *slog.Logger) error { return uninstall(logger) }

func currentExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Abs(exe)
}
