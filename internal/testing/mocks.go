// Package testing holds fakes shared by package tests.
package testing

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/me56ps2/me56ps2/gadget"
	"github.com/me56ps2/me56ps2/usb"
)

// MockBackend is an in-memory phone line. It satisfies both modem.Dialer
// and modem.Terminal.
type MockBackend struct {
	mu          sync.Mutex
	name        string
	connected   bool
	connectErr  error
	sent        []byte
	connects    int
	disconnects int
	target      netip.AddrPort
	slave       string
}

func NewMockBackend(name string) *MockBackend {
	return &MockBackend{name: name, slave: "/dev/pts/" + name}
}

func (m *MockBackend) Name() string { return m.name }

// FailConnect makes subsequent Connect calls return err.
func (m *MockBackend) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetConnected forces the connection flag, as when a peer dials in.
func (m *MockBackend) SetConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = v
}

func (m *MockBackend) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *MockBackend) Send(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.New("not connected")
	}
	m.sent = append(m.sent, p...)
	return nil
}

func (m *MockBackend) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	m.connected = false
}

func (m *MockBackend) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockBackend) SetTarget(addr netip.AddrPort) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = addr
}

func (m *MockBackend) SlavePath() string { return m.slave }

func (m *MockBackend) Sent() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.sent...)
}

func (m *MockBackend) Target() netip.AddrPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

func (m *MockBackend) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *MockBackend) Disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

// MockProvisioner records ISP setup calls.
type MockProvisioner struct {
	mu    sync.Mutex
	calls []string
}

func (p *MockProvisioner) Setup(slavePath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, slavePath)
}

func (p *MockProvisioner) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// MockTransport is a scripted gadget.Transport. Tests push events and OUT
// packets and collect IN frames and control responses.
type MockTransport struct {
	events chan gadget.Event
	out    chan []byte
	in     chan []byte
	done   chan struct{}
	once   sync.Once

	mu            sync.Mutex
	enabled       []usb.EndpointDescriptor
	controlWrites [][]byte
	controlReads  []int
	stalls        int
	vbus          []uint32
	configures    int
	enableErr     map[uint8]error
	inStall       time.Duration
	inTimes       []time.Time
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		events: make(chan gadget.Event, 64),
		out:    make(chan []byte, 64),
		in:     make(chan []byte, 1024),
		done:   make(chan struct{}),
	}
}

// PushControl queues a control event.
func (m *MockTransport) PushControl(setup usb.SetupPacket) {
	m.events <- gadget.Event{Kind: gadget.EventControl, Setup: setup}
}

// PushEvent queues an arbitrary event.
func (m *MockTransport) PushEvent(ev gadget.Event) { m.events <- ev }

// SendOut queues a raw packet for the bulk OUT endpoint.
func (m *MockTransport) SendOut(pkt []byte) { m.out <- pkt }

// NextIn returns the next frame written to a bulk IN endpoint.
func (m *MockTransport) NextIn(timeout time.Duration) ([]byte, bool) {
	select {
	case f := <-m.in:
		return f, true
	case <-time.After(timeout):
		return nil, false
	}
}

func (m *MockTransport) FetchEvent() (gadget.Event, error) {
	select {
	case ev := <-m.events:
		return ev, nil
	case <-m.done:
		return gadget.Event{}, gadget.ErrClosed
	}
}

func (m *MockTransport) ReadControl(length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controlReads = append(m.controlReads, length)
	return make([]byte, length), nil
}

func (m *MockTransport) WriteControl(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controlWrites = append(m.controlWrites, append([]byte(nil), data...))
	return nil
}

func (m *MockTransport) StallControl() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalls++
	return nil
}

// FailEnable makes the next EnableEndpoint for addr return err.
func (m *MockTransport) FailEnable(addr uint8, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enableErr == nil {
		m.enableErr = make(map[uint8]error)
	}
	m.enableErr[addr] = err
}

// StallNextIn makes the next IN write block for d before completing.
func (m *MockTransport) StallNextIn(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inStall = d
}

// InTimes returns when each IN frame was completed.
func (m *MockTransport) InTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.inTimes...)
}

func (m *MockTransport) EnableEndpoint(ep usb.EndpointDescriptor) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.enableErr[ep.BEndpointAddress]; ok {
		delete(m.enableErr, ep.BEndpointAddress)
		return -1, err
	}
	m.enabled = append(m.enabled, ep)
	return len(m.enabled) - 1, nil
}

func (m *MockTransport) endpoint(handle int) (usb.EndpointDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if handle < 0 || handle >= len(m.enabled) {
		return usb.EndpointDescriptor{}, errors.New("bad endpoint handle")
	}
	return m.enabled[handle], nil
}

func (m *MockTransport) ReadEndpoint(handle int, buf []byte) (int, error) {
	ep, err := m.endpoint(handle)
	if err != nil {
		return 0, err
	}
	if ep.IsIn() {
		return 0, errors.New("read on IN endpoint")
	}
	select {
	case pkt := <-m.out:
		return copy(buf, pkt), nil
	case <-m.done:
		return 0, gadget.ErrClosed
	}
}

func (m *MockTransport) WriteEndpoint(handle int, data []byte) (int, error) {
	ep, err := m.endpoint(handle)
	if err != nil {
		return 0, err
	}
	if !ep.IsIn() {
		return 0, errors.New("write on OUT endpoint")
	}
	m.mu.Lock()
	stall := m.inStall
	m.inStall = 0
	m.mu.Unlock()
	if stall > 0 {
		select {
		case <-time.After(stall):
		case <-m.done:
			return 0, gadget.ErrClosed
		}
	}
	select {
	case m.in <- append([]byte(nil), data...):
		m.mu.Lock()
		m.inTimes = append(m.inTimes, time.Now())
		m.mu.Unlock()
		return len(data), nil
	case <-m.done:
		return 0, gadget.ErrClosed
	}
}

func (m *MockTransport) VBusDraw(power uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vbus = append(m.vbus, power)
	return nil
}

func (m *MockTransport) Configure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configures++
	return nil
}

func (m *MockTransport) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *MockTransport) Enabled() []usb.EndpointDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]usb.EndpointDescriptor(nil), m.enabled...)
}

func (m *MockTransport) ControlWrites() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.controlWrites...)
}

func (m *MockTransport) ControlReads() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.controlReads...)
}

func (m *MockTransport) Stalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stalls
}

func (m *MockTransport) VBus() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32(nil), m.vbus...)
}

func (m *MockTransport) Configures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configures
}

// MockSink collects bytes and rings reported by a backend.
type MockSink struct {
	mu       sync.Mutex
	received []byte
	rings    int
	notify   chan struct{}
}

func NewMockSink() *MockSink {
	return &MockSink{notify: make(chan struct{}, 1)}
}

func (s *MockSink) Receive(p []byte) {
	s.mu.Lock()
	s.received = append(s.received, p...)
	s.mu.Unlock()
	s.poke()
}

func (s *MockSink) Ring() {
	s.mu.Lock()
	s.rings++
	s.mu.Unlock()
	s.poke()
}

func (s *MockSink) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *MockSink) Received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.received...)
}

func (s *MockSink) Rings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rings
}

// WaitFor polls until cond holds or timeout elapses.
func (s *MockSink) WaitFor(timeout time.Duration, cond func(*MockSink) bool) bool {
	deadline := time.After(timeout)
	for !cond(s) {
		select {
		case <-s.notify:
		case <-deadline:
			return cond(s)
		}
	}
	return true
}
