//go:build linux

package usb

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

func attachLocalhost(ctx context.Context, args []string, logger *slog.Logger) error {
	logger.Info("Auto-attaching localhost client", "command", strings.Join(args, " "))

	output, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		logger.Error("Failed to attach modem",
			"error", err,
			"output", string(bytes.TrimSpace(output)))
		return err
	}
	logger.Debug("usbip attach output", "output", string(output))
	return nil
}

func checkAutoAttachPrerequisites(logger *slog.Logger) bool {
	allOk := true

	if _, err := exec.LookPath("usbip"); err != nil {
		logger.Warn("USB/IP tool 'usbip' not found in PATH")
		logger.Info("Install usbip:")
		logger.Info("  Debian/Raspberry Pi OS: sudo apt install usbip")
		logger.Info("  Arch Linux:             sudo pacman -S usbip")
		allOk = false
	} else {
		logger.Debug("usbip tool found in PATH")
	}

	data, err := os.ReadFile("/proc/modules")
	if err != nil {
		logger.Debug("Could not read /proc/modules", "error", err)
	} else if !bytes.Contains(data, []byte("vhci_hcd")) {
		logger.Warn("USB/IP kernel module 'vhci-hcd' is not loaded")
		logger.Info("To load the module now, run:")
		logger.Info("  sudo modprobe vhci-hcd")
		logger.Info("To load it at boot:")
		logger.Info("  echo 'vhci-hcd' | sudo tee /etc/modules-load.d/me56ps2.conf")
		allOk = false
	} else {
		logger.Debug("vhci-hcd kernel module is loaded")
	}

	return allOk
}
