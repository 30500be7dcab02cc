// Package pty implements the local phone line: a raw pseudo-terminal
// whose slave side is handed to pppd.
package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/me56ps2/me56ps2/modem"
)

const readBufferSize = 4096

var ErrNotConnected = errors.New("pty not open")

// Backend owns one pty pair at a time. It satisfies modem.Terminal.
type Backend struct {
	sink   modem.Sink
	logger *slog.Logger

	mu        sync.Mutex
	master    *os.File
	slave     *os.File
	slavePath string
	wg        sync.WaitGroup
}

var _ modem.Terminal = (*Backend)(nil)

func New(sink modem.Sink, logger *slog.Logger) *Backend {
	return &Backend{sink: sink, logger: logger}
}

func (b *Backend) Name() string { return "pty" }

// Connect allocates a raw pty pair. Both ends stay open until Disconnect
// so the line survives pppd reopening the slave.
func (b *Backend) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.master != nil {
		return nil
	}
	master, slave, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		b.logger.Warn("could not switch pty to raw mode", "error", err)
	}
	b.master, b.slave, b.slavePath = master, slave, slave.Name()
	b.wg.Add(1)
	go b.recv(master)
	b.logger.Info("Opened pty", "slave", b.slavePath)
	return nil
}

// SlavePath returns the device node of the current pair.
func (b *Backend) SlavePath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slavePath
}

func (b *Backend) recv(master *os.File) {
	defer b.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := master.Read(buf)
		if n > 0 {
			b.sink.Receive(buf[:n])
		}
		if err != nil {
			b.mu.Lock()
			current := b.master == master
			b.mu.Unlock()
			if current {
				b.logger.Warn("pty read failed", "error", err)
			}
			return
		}
	}
}

func (b *Backend) Send(p []byte) error {
	b.mu.Lock()
	master := b.master
	b.mu.Unlock()
	if master == nil {
		return ErrNotConnected
	}
	if _, err := master.Write(p); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Disconnect closes both ends and waits for the receive goroutine.
func (b *Backend) Disconnect() {
	b.mu.Lock()
	master, slave := b.master, b.slave
	b.master, b.slave = nil, nil
	b.mu.Unlock()
	if master == nil {
		return
	}
	if err := errors.Join(master.Close(), slave.Close()); err != nil {
		b.logger.Debug("closing pty", "error", err)
	}
	b.wg.Wait()
}

func (b *Backend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.master != nil
}
