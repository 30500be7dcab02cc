// Package isp turns the host into a dial-up ISP for a pty call: it enables
// IPv4 forwarding, installs NAT rules and starts pppd on the pty slave.
package isp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Config configures the ISP side of a pty call.
type Config struct {
	Enabled   bool   `help:"Run sysctl, iptables and pppd when the host dials the pty line" default:"true" env:"ME56PS2_ISP_ENABLED" negatable:""`
	Interface string `help:"Outbound network interface for NAT" default:"wlan0" env:"ME56PS2_ISP_INTERFACE"`
	LocalIP   string `help:"Local PPP address" default:"10.0.0.1" env:"ME56PS2_ISP_LOCAL_IP"`
	RemoteIP  string `help:"Address handed to the dial-up client" default:"10.0.0.2" env:"ME56PS2_ISP_REMOTE_IP"`
	DNS       string `help:"DNS server announced to the client" default:"8.8.8.8" env:"ME56PS2_ISP_DNS"`
	Baud      int    `help:"pppd line speed" default:"115200" env:"ME56PS2_ISP_BAUD"`
	Sudo      bool   `help:"Prefix commands with sudo" default:"true" env:"ME56PS2_ISP_SUDO" negatable:""`
}

// DefaultConfig matches the kong defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Interface: "wlan0",
		LocalIP:   "10.0.0.1",
		RemoteIP:  "10.0.0.2",
		DNS:       "8.8.8.8",
		Baud:      115200,
		Sudo:      true,
	}
}

// Runner executes one external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Orchestrator satisfies modem.Provisioner.
type Orchestrator struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
	ctx    context.Context
	wg     sync.WaitGroup
}

// New returns an orchestrator whose commands are cancelled with ctx. A nil
// runner selects ExecRunner.
func New(ctx context.Context, cfg Config, runner Runner, logger *slog.Logger) *Orchestrator {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultConfig().Baud
	}
	return &Orchestrator{cfg: cfg, runner: runner, logger: logger, ctx: ctx}
}

// Setup provisions the host for a call on slavePath in the background.
func (o *Orchestrator) Setup(slavePath string) {
	if !o.cfg.Enabled {
		o.logger.Debug("ISP setup disabled", "slave", slavePath)
		return
	}
	if slavePath == "" {
		o.logger.Error("ISP setup without a pty slave")
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(slavePath)
	}()
}

// Wait blocks until every started Setup has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Commands returns the command lines Setup runs for slavePath, in order.
func (o *Orchestrator) Commands(slavePath string) [][]string {
	iface := o.cfg.Interface
	rules := []string{
		"-t nat %s POSTROUTING -o " + iface + " -j MASQUERADE",
		"%s FORWARD -i ppp+ -o " + iface + " -j ACCEPT",
		"%s FORWARD -i " + iface + " -o ppp+ -m state --state RELATED,ESTABLISHED -j ACCEPT",
	}

	cmds := [][]string{o.wrap("sysctl", "-w", "net.ipv4.ip_forward=1")}
	for _, r := range rules {
		check := "iptables " + fmt.Sprintf(r, "-C")
		add := "iptables " + fmt.Sprintf(r, "-A")
		cmds = append(cmds, o.wrap("sh", "-c", "("+check+" 2>/dev/null || "+add+")"))
	}
	cmds = append(cmds, o.wrap("pppd", slavePath, strconv.Itoa(o.cfg.Baud), "local", "debug",
		o.cfg.LocalIP+":"+o.cfg.RemoteIP, "ms-dns", o.cfg.DNS, "proxyarp"))
	return cmds
}

func (o *Orchestrator) wrap(args ...string) []string {
	if o.cfg.Sudo {
		return append([]string{"sudo"}, args...)
	}
	return args
}

func (o *Orchestrator) run(slavePath string) {
	cmds := o.Commands(slavePath)
	for i, cmd := range cmds {
		if o.ctx.Err() != nil {
			return
		}
		out, err := o.runner.Run(o.ctx, cmd[0], cmd[1:]...)
		if err != nil {
			o.logger.Error("ISP command failed",
				"command", strings.Join(cmd, " "),
				"error", err,
				"output", string(bytes.TrimSpace(out)))
			continue
		}
		switch i {
		case 0:
			o.logger.Info("IP forwarding enabled")
		case 3:
			o.logger.Info("iptables rules applied")
		case len(cmds) - 1:
			o.logger.Info("pppd started", "slave", slavePath)
		}
		o.logger.Debug("ISP command done", "command", strings.Join(cmd, " "), "output", string(bytes.TrimSpace(out)))
	}
}

// CheckPrerequisites logs missing tools. It returns true when every tool
// needed by Setup is on PATH.
func CheckPrerequisites(cfg Config, logger *slog.Logger) bool {
	tools := []string{"sysctl", "iptables", "pppd", "sh"}
	if cfg.Sudo {
		tools = append(tools, "sudo")
	}
	ok := true
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			if _, statErr := os.Stat("/usr/sbin/" + tool); statErr == nil {
				logger.Debug("tool found outside PATH", "tool", tool)
				continue
			}
			logger.Warn("ISP tool not found", "tool", tool)
			ok = false
		} else {
			logger.Debug("ISP tool found", "tool", tool)
		}
	}
	if !ok {
		logger.Info("Install the missing tools:")
		logger.Info("  Debian/Raspberry Pi OS: sudo apt install ppp iptables")
	}
	return ok
}
