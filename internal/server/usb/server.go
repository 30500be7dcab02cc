// Package usb exports the emulated modem over USB/IP, so a remote Linux
// host can attach it with `usbip attach` instead of a physical cable.
package usb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/me56ps2/me56ps2/gadget"
	"github.com/me56ps2/me56ps2/internal/log"
	"github.com/me56ps2/me56ps2/usb"
	"github.com/me56ps2/me56ps2/usbip"
)

const (
	usbConfigValueDefault = 1

	// Queue depth per bulk OUT endpoint before the URB reader blocks.
	outQueueDepth = 64
	eventQueue    = 64
)

var errNoControl = errors.New("no pending control request")

// urb is one CMD_SUBMIT waiting for completion.
type urb struct {
	hdr  usbip.URBHeader
	out  []byte
	sess *session
}

// session is one imported connection.
type session struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (s *session) write(b []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.conn.Write(b)
	return err
}

func (s *session) retSubmit(u *urb, status int32, data []byte) error {
	return s.complete(u, status, len(data), data)
}

// complete writes RET_SUBMIT reporting actual bytes transferred. data is
// only appended for IN transfers.
func (s *session) complete(u *urb, status int32, actual int, data []byte) error {
	ret := usbip.RetSubmit{
		Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: u.hdr.Basic.Seqnum},
		Status:       status,
		ActualLength: uint32(actual),
	}
	var out bytes.Buffer
	if err := ret.Write(&out); err != nil {
		return fmt.Errorf("build RET_SUBMIT header: %w", err)
	}
	out.Write(data)
	if err := s.write(out.Bytes()); err != nil {
		return fmt.Errorf("write RET_SUBMIT: %w", err)
	}
	return nil
}

type queuedEvent struct {
	ev  gadget.Event
	urb *urb
}

// Server exports one device over USB/IP and implements gadget.Transport.
type Server struct {
	config    *ServerConfig
	desc      *usb.Descriptor
	logger    *slog.Logger
	rawLogger log.RawLogger
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	lnMu sync.Mutex
	ln   net.Listener

	events chan queuedEvent

	mu        sync.Mutex
	sess      *session
	control   *urb
	endpoints []usb.EndpointDescriptor
	inQueue   map[uint8][]*urb
	inReady   map[uint8]chan struct{}
	outQueue  map[uint8]chan []byte
	outMaxPkt map[uint8]int
}

var _ gadget.Transport = (*Server)(nil)

func New(config ServerConfig, desc *usb.Descriptor, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	if config.BusID == "" {
		config.BusID = "1-1"
	}
	return &Server{
		config:    &config,
		desc:      desc,
		logger:    logger,
		rawLogger: rawLogger,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		events:    make(chan queuedEvent, eventQueue),
		inQueue:   make(map[uint8][]*urb),
		inReady:   make(map[uint8]chan struct{}),
		outQueue:  make(map[uint8]chan []byte),
		outMaxPkt: make(map[uint8]int),
	}
}

// ListenAndServe starts the USB/IP server and handles incoming connections.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.lnMu.Lock()
	s.ln = ln
	s.lnMu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USBIP server listening", "addr", ln.Addr().String(), "busid", s.config.BusID)
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("USBIP server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("USBIP client connected", "remote", c.RemoteAddr())
		go func() {
			if err := s.handleConn(c); err != nil {
				if isClientDisconnect(err) {
					s.logger.Info("USBIP client disconnected", "error", err)
				} else {
					s.logger.Error("Connection handler error", "error", err)
				}
			}
		}()
	}
}

// Ready returns a channel that is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listen address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// GetListenPort returns the bound port, falling back to the port of the
// configured listen address before the server is listening.
func (s *Server) GetListenPort() uint16 {
	if tcp, ok := s.Addr().(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	_, portStr, err := net.SplitHostPort(s.config.Addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// Close stops the listener, drops the attached client and unblocks every
// pending transport call.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.lnMu.Lock()
		if s.ln != nil {
			err = s.ln.Close()
		}
		s.lnMu.Unlock()
		s.mu.Lock()
		if s.sess != nil {
			_ = s.sess.conn.Close()
		}
		s.mu.Unlock()
	})
	return err
}

// Attached reports whether a client has imported the device.
func (s *Server) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil
}

func (s *Server) pushEvent(qe queuedEvent) bool {
	select {
	case s.events <- qe:
		return true
	case <-s.done:
		return false
	}
}

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	conn = &logConn{Conn: conn, s: s}
	if s.config.ConnectionTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
			s.logger.Warn("Failed to set deadline", "error", err)
		}
	}

	var hdrBuf [8]byte
	if err := usbip.ReadExactly(conn, hdrBuf[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	hdr, _ := usbip.ParseMgmtHeader(hdrBuf[:])
	if !hdr.IsManagement() {
		return fmt.Errorf("protocol violation: client sent URB data without OP_REQ_IMPORT")
	}

	switch hdr.Command {
	case usbip.OpReqDevlist:
		s.logger.Debug("OP_REQ_DEVLIST")
		return s.handleDevList(conn)
	default:
		s.logger.Debug("OP_REQ_IMPORT")
		sess, err := s.handleImport(conn)
		if err != nil {
			return fmt.Errorf("handle import: %w", err)
		}
		if sess == nil {
			return nil
		}
		defer s.detach(sess)
		return s.handleUrbStream(sess)
	}
}

func (s *Server) exportedDevice() usbip.ExportedDevice {
	d := s.desc.Device
	busNum, devNum := parseBusID(s.config.BusID)
	exp := usbip.ExportedDevice{
		ExportMeta:          usbip.NewExportMeta("/sys/devices/platform/me56ps2/usb"+strconv.Itoa(int(busNum))+"/"+s.config.BusID, s.config.BusID, busNum, devNum),
		Speed:               d.Speed,
		IDVendor:            d.IDVendor,
		IDProduct:           d.IDProduct,
		BcdDevice:           d.BcdDevice,
		BDeviceClass:        d.BDeviceClass,
		BDeviceSubClass:     d.BDeviceSubClass,
		BDeviceProtocol:     d.BDeviceProtocol,
		BConfigurationValue: usbConfigValueDefault,
		BNumConfigurations:  d.BNumConfigurations,
		BNumInterfaces:      uint8(len(s.desc.Interfaces)),
	}
	for _, iface := range s.desc.Interfaces {
		exp.Interfaces = append(exp.Interfaces, usbip.InterfaceDesc{
			Class:    iface.Descriptor.BInterfaceClass,
			SubClass: iface.Descriptor.BInterfaceSubClass,
			Protocol: iface.Descriptor.BInterfaceProtocol,
		})
	}
	return exp
}

// parseBusID splits "B-D" into bus and device numbers, defaulting to 1.
func parseBusID(id string) (uint32, uint32) {
	bus, dev := uint32(1), uint32(1)
	b, d, ok := strings.Cut(id, "-")
	if v, err := strconv.ParseUint(b, 10, 32); err == nil {
		bus = uint32(v)
	}
	if ok {
		if v, err := strconv.ParseUint(d, 10, 32); err == nil {
			dev = uint32(v)
		}
	}
	return bus, dev
}

func (s *Server) handleDevList(conn net.Conn) error {
	_ = conn.SetDeadline(time.Time{})
	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist}
	_ = rep.Write(&buf)
	n := uint32(1)
	if s.Attached() {
		n = 0
	}
	dlh := usbip.DevListReplyHeader{NDevices: n}
	_ = dlh.Write(&buf)
	if n == 1 {
		exp := s.exportedDevice()
		_ = exp.WriteDevlist(&buf)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

// handleImport answers OP_REQ_IMPORT. A nil session with a nil error
// means the request was refused.
func (s *Server) handleImport(conn net.Conn) (*session, error) {
	var rest [usbip.BusIDSize]byte
	if err := usbip.ReadExactly(conn, rest[:]); err != nil {
		return nil, fmt.Errorf("read import busid: %w", err)
	}
	reqBus := usbip.CString(rest[:])
	s.logger.Info("Import request", "busid", reqBus)

	sess := &session{conn: conn}
	status := uint32(0)
	s.mu.Lock()
	switch {
	case reqBus != s.config.BusID:
		s.logger.Warn("no device matches busid", "busid", reqBus)
		status = 1
	case s.sess != nil:
		s.logger.Warn("device already attached", "busid", reqBus)
		status = 1
	default:
		s.sess = sess
	}
	s.mu.Unlock()

	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: status}
	_ = rep.Write(&buf)
	if status == 0 {
		exp := s.exportedDevice()
		_ = exp.WriteImport(&buf)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		if status == 0 {
			s.detach(sess)
		}
		return nil, fmt.Errorf("write import reply failed: %w", err)
	}
	if status != 0 {
		return nil, nil
	}
	s.pushEvent(queuedEvent{ev: gadget.Event{Kind: gadget.EventConnect}})
	return sess, nil
}

// detach drops every URB of sess and reports a disconnect.
func (s *Server) detach(sess *session) {
	s.mu.Lock()
	if s.sess != sess {
		s.mu.Unlock()
		return
	}
	s.sess = nil
	if s.control != nil && s.control.sess == sess {
		s.control = nil
	}
	for ep, q := range s.inQueue {
		kept := q[:0]
		for _, u := range q {
			if u.sess != sess {
				kept = append(kept, u)
			}
		}
		s.inQueue[ep] = kept
	}
	s.mu.Unlock()
	s.pushEvent(queuedEvent{ev: gadget.Event{Kind: gadget.EventDisconnect}})
}

type logConn struct {
	net.Conn
	s *Server
}

func (lc *logConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(true, p[:n])
	}
	return n, err
}

func (lc *logConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(false, p[:n])
	}
	return n, err
}

func (s *Server) handleUrbStream(sess *session) error {
	conn := sess.conn
	_ = conn.SetDeadline(time.Time{})

	for {
		hdr, err := usbip.ReadURBHeader(conn)
		if err != nil {
			return fmt.Errorf("read URB header: %w", err)
		}
		switch hdr.Basic.Command {
		case usbip.CmdUnlinkCode:
			if err := s.unlink(sess, hdr); err != nil {
				return err
			}
		case usbip.CmdSubmitCode:
			u := &urb{hdr: hdr, sess: sess}
			if hdr.Basic.Dir == usbip.DirOut && hdr.TransferBufferLen > 0 {
				u.out = make([]byte, hdr.TransferBufferLen)
				if err := usbip.ReadExactly(conn, u.out); err != nil {
					return fmt.Errorf("read OUT payload: %w", err)
				}
			}
			if err := s.submit(u); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported cmd %d (seq=%d)", hdr.Basic.Command, hdr.Basic.Seqnum)
		}
	}
}

func (s *Server) submit(u *urb) error {
	ep := uint8(u.hdr.Basic.Ep)
	if ep == 0 {
		setup, err := usb.ParseSetupPacket(u.hdr.Setup[:])
		if err != nil {
			return u.sess.retSubmit(u, usbip.StatusStall, nil)
		}
		s.pushEvent(queuedEvent{ev: gadget.Event{Kind: gadget.EventControl, Setup: setup}, urb: u})
		return nil
	}

	if u.hdr.Basic.Dir == usbip.DirOut {
		s.mu.Lock()
		q, ok := s.outQueue[ep]
		maxPkt := s.outMaxPkt[ep]
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("OUT on disabled endpoint", "ep", ep)
			return u.sess.retSubmit(u, usbip.StatusStall, nil)
		}
		// A transfer longer than wMaxPacketSize is a run of packets on
		// the bus; each one is read separately by the endpoint.
		for _, pkt := range splitPackets(u.out, maxPkt) {
			select {
			case q <- pkt:
			case <-s.done:
				return gadget.ErrClosed
			}
		}
		return u.sess.complete(u, usbip.StatusOK, len(u.out), nil)
	}

	s.mu.Lock()
	ready, ok := s.inReady[ep]
	if ok {
		s.inQueue[ep] = append(s.inQueue[ep], u)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("IN on disabled endpoint", "ep", ep)
		return u.sess.retSubmit(u, usbip.StatusStall, nil)
	}
	select {
	case ready <- struct{}{}:
	default:
	}
	return nil
}

func (s *Server) unlink(sess *session, hdr usbip.URBHeader) error {
	target := hdr.UnlinkSeqnum
	status := int32(usbip.StatusOK)

	s.mu.Lock()
	if s.control != nil && s.control.sess == sess && s.control.hdr.Basic.Seqnum == target {
		s.control = nil
		status = usbip.StatusConnReset
	}
	for ep, q := range s.inQueue {
		for i, u := range q {
			if u.sess == sess && u.hdr.Basic.Seqnum == target {
				s.inQueue[ep] = append(q[:i], q[i+1:]...)
				status = usbip.StatusConnReset
				break
			}
		}
	}
	s.mu.Unlock()

	s.logger.Debug("USBIP_CMD_UNLINK", "seq", hdr.Basic.Seqnum, "unlink", target, "status", status)
	ret := usbip.RetUnlink{Basic: usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: hdr.Basic.Seqnum}, Status: status}
	var out bytes.Buffer
	_ = ret.Write(&out)
	return sess.write(out.Bytes())
}

// --- gadget.Transport

func (s *Server) FetchEvent() (gadget.Event, error) {
	for {
		select {
		case qe := <-s.events:
			if qe.urb != nil {
				s.mu.Lock()
				stale := qe.urb.sess != s.sess
				if !stale {
					s.control = qe.urb
				}
				s.mu.Unlock()
				if stale {
					continue
				}
			}
			return qe.ev, nil
		case <-s.done:
			return gadget.Event{}, gadget.ErrClosed
		}
	}
}

func (s *Server) takeControl() (*urb, error) {
	select {
	case <-s.done:
		return nil, gadget.ErrClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.control
	s.control = nil
	if u == nil {
		return nil, errNoControl
	}
	return u, nil
}

func splitPackets(data []byte, maxPkt int) [][]byte {
	if maxPkt <= 0 || len(data) <= maxPkt {
		return [][]byte{data}
	}
	pkts := make([][]byte, 0, (len(data)+maxPkt-1)/maxPkt)
	for len(data) > maxPkt {
		pkts = append(pkts, data[:maxPkt])
		data = data[maxPkt:]
	}
	return append(pkts, data)
}

func (s *Server) ReadControl(length int) ([]byte, error) {
	u, err := s.takeControl()
	if err != nil {
		return nil, err
	}
	data := u.out
	if len(data) > length {
		data = data[:length]
	}
	// OUT completions report the consumed length without echoing data.
	ret := usbip.RetSubmit{
		Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: u.hdr.Basic.Seqnum},
		ActualLength: uint32(len(u.out)),
	}
	var out bytes.Buffer
	_ = ret.Write(&out)
	if err := u.sess.write(out.Bytes()); err != nil {
		return nil, fmt.Errorf("write RET_SUBMIT: %w", err)
	}
	return data, nil
}

func (s *Server) WriteControl(data []byte) error {
	u, err := s.takeControl()
	if err != nil {
		return err
	}
	if limit := int(u.hdr.TransferBufferLen); len(data) > limit {
		data = data[:limit]
	}
	return u.sess.retSubmit(u, usbip.StatusOK, data)
}

func (s *Server) StallControl() error {
	u, err := s.takeControl()
	if err != nil {
		return err
	}
	return u.sess.retSubmit(u, usbip.StatusStall, nil)
}

func (s *Server) EnableEndpoint(ep usb.EndpointDescriptor) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := ep.Number()
	if ep.IsIn() {
		if _, ok := s.inReady[n]; !ok {
			s.inReady[n] = make(chan struct{}, 1)
		}
	} else {
		if _, ok := s.outQueue[n]; !ok {
			s.outQueue[n] = make(chan []byte, outQueueDepth)
		}
		s.outMaxPkt[n] = int(ep.WMaxPacketSize)
	}
	s.endpoints = append(s.endpoints, ep)
	return len(s.endpoints) - 1, nil
}

func (s *Server) endpoint(handle int) (usb.EndpointDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle < 0 || handle >= len(s.endpoints) {
		return usb.EndpointDescriptor{}, fmt.Errorf("invalid endpoint handle %d", handle)
	}
	return s.endpoints[handle], nil
}

func (s *Server) ReadEndpoint(handle int, buf []byte) (int, error) {
	ep, err := s.endpoint(handle)
	if err != nil {
		return 0, err
	}
	if ep.IsIn() {
		return 0, fmt.Errorf("endpoint 0x%02x is not an OUT endpoint", ep.BEndpointAddress)
	}
	s.mu.Lock()
	q := s.outQueue[ep.Number()]
	s.mu.Unlock()
	select {
	case p := <-q:
		return copy(buf, p), nil
	case <-s.done:
		return 0, gadget.ErrClosed
	}
}

// WriteEndpoint completes the oldest pending IN URB on the endpoint,
// waiting for the host to submit one.
func (s *Server) WriteEndpoint(handle int, data []byte) (int, error) {
	ep, err := s.endpoint(handle)
	if err != nil {
		return 0, err
	}
	if !ep.IsIn() {
		return 0, fmt.Errorf("endpoint 0x%02x is not an IN endpoint", ep.BEndpointAddress)
	}
	n := ep.Number()
	for {
		s.mu.Lock()
		var u *urb
		if q := s.inQueue[n]; len(q) > 0 {
			u = q[0]
			s.inQueue[n] = q[1:]
		}
		ready := s.inReady[n]
		s.mu.Unlock()

		if u == nil {
			select {
			case <-ready:
				continue
			case <-s.done:
				return 0, gadget.ErrClosed
			}
		}

		payload := data
		if limit := int(u.hdr.TransferBufferLen); len(payload) > limit {
			payload = payload[:limit]
		}
		if err := u.sess.retSubmit(u, usbip.StatusOK, payload); err != nil {
			// The client went away; its remaining URBs are dropped by detach.
			s.logger.Debug("IN completion failed", "error", err)
			continue
		}
		return len(payload), nil
	}
}

func (s *Server) VBusDraw(power uint32) error {
	s.logger.Debug("vbus draw", "mA", power*2)
	return nil
}

func (s *Server) Configure() error { return nil }

// isClientDisconnect tests whether an error represents a normal client
// disconnect (EOF, ECONNRESET, broken pipe).
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	e := strings.ToLower(err.Error())
	return strings.Contains(e, "connection reset by peer") || strings.Contains(e, "forcibly closed")
}
