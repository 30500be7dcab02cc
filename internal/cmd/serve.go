package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/me56ps2/me56ps2/backend/pty"
	"github.com/me56ps2/me56ps2/backend/socket"
	"github.com/me56ps2/me56ps2/gadget"
	"github.com/me56ps2/me56ps2/gadget/rawgadget"
	"github.com/me56ps2/me56ps2/internal/configpaths"
	"github.com/me56ps2/me56ps2/internal/log"
	"github.com/me56ps2/me56ps2/internal/server/api"
	"github.com/me56ps2/me56ps2/internal/server/api/auth"
	"github.com/me56ps2/me56ps2/internal/server/api/handler"
	"github.com/me56ps2/me56ps2/internal/server/usb"
	"github.com/me56ps2/me56ps2/isp"
	"github.com/me56ps2/me56ps2/modem"
	"github.com/me56ps2/me56ps2/ringbuf"
)

const keyFileName = "me56ps2.key.txt"

const (
	TransportRawGadget = "raw-gadget"
	TransportUSBIP     = "usbip"
)

// PtyConfig configures the local pty line.
type PtyConfig struct {
	Enabled bool `help:"Answer ATD100 by opening a pty for pppd" default:"true" env:"ME56PS2_PTY_ENABLED" negatable:""`
}

// Serve runs the modem emulator.
type Serve struct {
	Model           string        `help:"Modem model to emulate (Omron, OnlineStation, SmartSCM)" default:"Omron" env:"ME56PS2_MODEL"`
	Transport       string        `help:"How the modem reaches the host" enum:"raw-gadget,usbip" default:"raw-gadget" env:"ME56PS2_TRANSPORT"`
	TxBuffer        int           `help:"Device transmit buffer size in bytes" default:"524288" env:"ME56PS2_TX_BUFFER"`
	ShutdownTimeout time.Duration `help:"Time allowed for the transport to stop on exit" default:"3s" env:"ME56PS2_SHUTDOWN_TIMEOUT"`

	Gadget rawgadget.Config `embed:"" prefix:"gadget."`
	USBIP  usb.ServerConfig `embed:"" prefix:"usbip."`
	Bulk   gadget.Config    `embed:"" prefix:"bulk."`
	Socket socket.Config    `embed:"" prefix:"socket."`
	Pty    PtyConfig        `embed:"" prefix:"pty."`
	ISP    isp.Config       `embed:"" prefix:"isp."`
	API    api.ServerConfig `embed:"" prefix:"api."`
}

// Run is called by Kong when the serve command is executed.
func (s *Serve) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Start(ctx, logger, rawLogger)
}

// Start runs the emulator until ctx is cancelled or a component fails.
func (s *Serve) Start(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	variant, err := modem.Lookup(s.Model)
	if err != nil {
		return err
	}
	logger.Info("Starting modem emulator", "model", variant.Name(), "description", variant.Description(), "transport", s.Transport)

	st := modem.NewState(ringbuf.New(s.TxBuffer), logger)

	var provisioner modem.Provisioner
	if s.Pty.Enabled {
		st.AttachTerminal(pty.New(st, logger))
		if s.ISP.Enabled {
			if !isp.CheckPrerequisites(s.ISP, logger) {
				logger.Warn("ISP prerequisites not met; pty calls will not get a PPP session")
				logger.Info("You can disable ISP setup with --no-isp.enabled")
			}
			provisioner = isp.New(ctx, s.ISP, nil, logger)
		}
	}

	errCh := make(chan error, 4)

	if s.Socket.Addr != "" {
		sock := socket.New(s.Socket, st, logger)
		st.AttachDialer(sock)
		if s.Socket.Server {
			go func() {
				if err := sock.Listen(ctx, nil); err != nil {
					errCh <- err
				}
			}()
		}
	}

	transport, err := s.openTransport(ctx, variant, logger, rawLogger, errCh)
	if err != nil {
		return err
	}

	session := modem.NewSession(st, provisioner, logger)
	emu := gadget.New(transport, variant, st, session, s.Bulk, logger, rawLogger)

	var apiSrv *api.Server
	if s.API.Addr != "" {
		apiSrv, err = s.startAPI(emu, logger)
		if err != nil {
			_ = transport.Close()
			return err
		}
		defer apiSrv.Close()
	} else {
		logger.Info("API server disabled")
	}

	emuCtx, cancelEmu := context.WithCancel(ctx)
	defer cancelEmu()
	emuDone := make(chan error, 1)
	go func() { emuDone <- emu.Run(emuCtx) }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-emuDone:
		emuDone = nil
	case runErr = <-errCh:
	}

	cancelEmu()
	if emuDone != nil {
		select {
		case err := <-emuDone:
			if runErr == nil {
				runErr = err
			}
		case <-time.After(s.ShutdownTimeout):
			logger.Warn("transport did not stop in time", "timeout", s.ShutdownTimeout)
		}
	}

	st.Hangup()
	for _, b := range []modem.Backend{st.Terminal(), st.Dialer()} {
		if b != nil {
			b.Disconnect()
		}
	}
	if o, ok := provisioner.(*isp.Orchestrator); ok {
		o.Wait()
	}
	logger.Info("Modem emulator stopped")
	return runErr
}

func (s *Serve) openTransport(ctx context.Context, variant modem.Variant, logger *slog.Logger, rawLogger log.RawLogger, errCh chan<- error) (gadget.Transport, error) {
	switch s.Transport {
	case TransportUSBIP:
		srv := usb.New(s.USBIP, variant.Descriptor(), logger, rawLogger)
		listenErr := make(chan error, 1)
		go func() { listenErr <- srv.ListenAndServe() }()
		select {
		case err := <-listenErr:
			return nil, err
		case <-srv.Ready():
		}
		go func() {
			if err := <-listenErr; err != nil {
				errCh <- err
			}
		}()
		if s.USBIP.AutoAttach {
			if usb.CheckAutoAttachPrerequisites(logger) {
				go func() { _ = srv.AttachLocalhost(ctx) }()
			} else {
				logger.Info("You can disable auto-attach with --no-usbip.auto-attach")
			}
		} else {
			logger.Info("Attach with: usbip attach -r <host> -b " + s.USBIP.BusID)
		}
		return srv, nil
	case TransportRawGadget, "":
		g, err := rawgadget.Open(s.Gadget, logger)
		if err != nil {
			return nil, fmt.Errorf("open raw-gadget: %w", err)
		}
		return g, nil
	}
	return nil, fmt.Errorf("unknown transport %q", s.Transport)
}

func (s *Serve) startAPI(emu *gadget.Emulator, logger *slog.Logger) (*api.Server, error) {
	pwd, err := loadOrCreatePassword(logger)
	if err != nil {
		return nil, err
	}
	s.API.Password = pwd

	apiSrv := api.New(s.API.Addr, s.API, logger)
	r := apiSrv.Router()
	r.Register("ping", handler.Ping())
	r.Register("modem/models", handler.Models())
	r.Register("modem/status", handler.ModemStatus(emu))
	r.Register("modem/hangup", handler.ModemHangup(emu.State()))
	if err := apiSrv.Start(); err != nil {
		return nil, fmt.Errorf("start API server: %w", err)
	}
	return apiSrv, nil
}

func keyFilePath() (string, error) {
	dir, err := configpaths.DefaultConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve key file path: %w", err)
	}
	return filepath.Join(dir, keyFileName), nil
}

// loadOrCreatePassword reads the API password from the key file, creating
// the file with a random password on first start.
func loadOrCreatePassword(logger *slog.Logger) (string, error) {
	path, err := keyFilePath()
	if err != nil {
		return "", err
	}
	if pwd, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(pwd)), nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read API key file: %w", err)
	}

	newPwd, err := auth.NewPassword()
	if err != nil {
		return "", fmt.Errorf("failed to generate new API password: %w", err)
	}
	if err := configpaths.EnsureDir(path); err != nil {
		return "", fmt.Errorf("failed to create config dir for key file: %w", err)
	}
	if err := os.WriteFile(path, []byte(newPwd), 0o600); err != nil {
		return "", fmt.Errorf("failed to write new API password to file: %w", err)
	}
	logger.Info("Generated API server password", "path", path)
	logger.Info("-------------------------------------")
	logger.Info(newPwd)
	logger.Info("-------------------------------------")
	logger.Info("You can change this password at any time by editing the file")
	return newPwd, nil
}
