package gadget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me56ps2/me56ps2/internal/log"
	"github.com/me56ps2/me56ps2/modem"
	"github.com/me56ps2/me56ps2/usb"
)

// DefaultInInterval is the cadence of bulk IN frames.
const DefaultInInterval = 40 * time.Millisecond

// Config tunes the bulk workers.
type Config struct {
	// InInterval is the maximum delay between two IN frames.
	InInterval time.Duration `help:"Maximum delay between two bulk IN frames" default:"40ms" env:"ME56PS2_BULK_IN_INTERVAL"`
	// InFrameSize caps the IN frame length. Zero uses the endpoint's
	// wMaxPacketSize.
	InFrameSize int `help:"Bulk IN frame size; 0 uses the endpoint max packet size" default:"0" env:"ME56PS2_BULK_IN_FRAME_SIZE"`
}

// Emulator runs the control loop and the bulk workers of one modem.
type Emulator struct {
	transport  Transport
	variant    modem.Variant
	state      *modem.State
	session    *modem.Session
	cfg        Config
	logger     *slog.Logger
	raw        log.RawLogger
	dispatcher *Dispatcher

	ctx     context.Context
	wg      sync.WaitGroup
	workers atomic.Int32

	// Owned by the control loop. An IN handle survives a failed OUT
	// enable so a retried SET_CONFIGURATION does not enable IN twice.
	inHandle  int
	inEnabled bool
	started   bool
}

// New wires an emulator. The session must share state.
func New(transport Transport, variant modem.Variant, state *modem.State, session *modem.Session, cfg Config, logger *slog.Logger, raw log.RawLogger) *Emulator {
	if cfg.InInterval <= 0 {
		cfg.InInterval = DefaultInInterval
	}
	if raw == nil {
		raw = log.NewRaw(nil)
	}
	e := &Emulator{
		transport: transport,
		variant:   variant,
		state:     state,
		session:   session,
		cfg:       cfg,
		logger:    logger,
		raw:       raw,
		ctx:       context.Background(),
	}
	e.dispatcher = NewDispatcher(variant, state, transport, e.startWorkers, logger)
	return e
}

// Dispatcher returns the control request dispatcher.
func (e *Emulator) Dispatcher() *Dispatcher { return e.dispatcher }

// Variant returns the emulated model.
func (e *Emulator) Variant() modem.Variant { return e.variant }

// State returns the shared connection state.
func (e *Emulator) State() *modem.State { return e.state }

// Workers returns the number of bulk workers started so far.
func (e *Emulator) Workers() int { return int(e.workers.Load()) }

// Run processes transport events until ctx is cancelled or the transport
// fails. Cancelling ctx closes the transport. Run waits for the bulk
// workers before returning.
func (e *Emulator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.ctx = ctx
	defer func() {
		cancel()
		e.wg.Wait()
	}()

	go func() {
		<-ctx.Done()
		_ = e.transport.Close()
	}()

	e.logger.Info("Modem emulation started", "model", e.variant.Name())
	for {
		ev, err := e.transport.FetchEvent()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return fmt.Errorf("fetch event: %w", err)
		}
		if err := e.handleEvent(ev); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			e.logger.Error("control transfer failed", "error", err)
		}
	}
}

func (e *Emulator) handleEvent(ev Event) error {
	switch ev.Kind {
	case EventConnect:
		e.logger.Info("USB host connected")
	case EventControl:
		e.logger.Log(e.ctx, log.LevelTrace, "control", "setup", ev.Setup.String())
		return e.dispatcher.Serve(ev.Setup)
	case EventReset, EventDisconnect, EventSuspend, EventResume:
		e.logger.Debug("USB event", "kind", ev.Kind)
	default:
		e.logger.Warn("unexpected USB event", "kind", ev.Kind)
	}
	return nil
}

// startWorkers enables the bulk endpoint pair and launches the IN and OUT
// workers. Later calls after a successful start are no-ops.
func (e *Emulator) startWorkers() error {
	if e.started {
		return nil
	}
	in, out, err := e.variant.Descriptor().BulkPair()
	if err != nil {
		return err
	}
	if !e.inEnabled {
		h, err := e.transport.EnableEndpoint(in)
		if err != nil {
			return fmt.Errorf("enable IN endpoint 0x%02x: %w", in.BEndpointAddress, err)
		}
		e.inHandle, e.inEnabled = h, true
	}
	outHandle, err := e.transport.EnableEndpoint(out)
	if err != nil {
		return fmt.Errorf("enable OUT endpoint 0x%02x: %w", out.BEndpointAddress, err)
	}
	inHandle := e.inHandle
	e.started = true

	frameSize := e.cfg.InFrameSize
	if frameSize <= 0 || frameSize > int(in.WMaxPacketSize) {
		frameSize = int(in.WMaxPacketSize)
	}

	e.wg.Add(2)
	e.workers.Add(2)
	go e.runIn(inHandle, frameSize)
	go e.runOut(outHandle, out)
	e.logger.Debug("bulk workers started",
		"in", fmt.Sprintf("0x%02x", in.BEndpointAddress),
		"out", fmt.Sprintf("0x%02x", out.BEndpointAddress),
		"frame", frameSize)
	return nil
}

func (e *Emulator) stopped(err error) bool {
	return e.ctx.Err() != nil || errors.Is(err, ErrClosed)
}

func (e *Emulator) runIn(handle, frameSize int) {
	defer e.wg.Done()
	tx := e.state.Tx()
	frame := make([]byte, max(frameSize, InHeaderSize))
	deadline := time.Now()
	for e.ctx.Err() == nil {
		now := time.Now()
		for !deadline.After(now) {
			deadline = deadline.Add(e.cfg.InInterval)
		}
		tx.WaitUntil(e.ctx, deadline)
		if e.ctx.Err() != nil {
			return
		}

		n := BuildInFrame(frame, e.state.Online(), tx)
		if n > InHeaderSize {
			e.raw.Log(false, frame[InHeaderSize:n])
		}
		if _, err := e.transport.WriteEndpoint(handle, frame[:n]); err != nil {
			if e.stopped(err) {
				return
			}
			e.logger.Warn("bulk IN write failed", "error", err)
		}
	}
}

func (e *Emulator) runOut(handle int, ep usb.EndpointDescriptor) {
	defer e.wg.Done()
	buf := make([]byte, max(int(ep.WMaxPacketSize), 1))
	for {
		n, err := e.transport.ReadEndpoint(handle, buf)
		if err != nil {
			if e.stopped(err) {
				return
			}
			e.logger.Warn("bulk OUT read failed", "error", err)
			time.Sleep(e.cfg.InInterval)
			continue
		}
		f := DecodeOutFrame(buf[:n])
		if f.Mismatch() {
			e.logger.Warn("bulk OUT length mismatch", "declared", f.Declared, "received", f.Received)
		}
		if len(f.Payload) == 0 {
			continue
		}
		e.raw.Log(true, f.Payload)
		e.session.Feed(f.Payload)
	}
}
