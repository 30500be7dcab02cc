// Package testing provides a minimal USB/IP host used to drive the
// exported modem in tests.
package testing

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/me56ps2/me56ps2/usb"
	"github.com/me56ps2/me56ps2/usbip"
)

type TestUsbIpClient struct {
	address string

	mu   sync.Mutex
	seq  uint32
	dirs map[uint32]uint32
}

// Reply is a completed URB as seen by the host.
type Reply struct {
	Header usbip.URBHeader
	Data   []byte
}

func NewUsbIpClient(addr string) *TestUsbIpClient {
	return &TestUsbIpClient{address: addr, seq: 1, dirs: make(map[uint32]uint32)}
}

func (c *TestUsbIpClient) nextSeq(dir uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.seq
	c.seq++
	c.dirs[s] = dir
	return s
}

func (c *TestUsbIpClient) dirOf(seq uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.dirs[seq]
	delete(c.dirs, seq)
	return d
}

func (c *TestUsbIpClient) ListDevices() ([]usbip.ExportedDevice, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(conn); err != nil {
		return nil, err
	}

	var hdr [12]byte
	if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
		return nil, err
	}
	mh, _ := usbip.ParseMgmtHeader(hdr[:8])
	if mh.Version != usbip.Version || mh.Command != usbip.OpRepDevlist {
		return nil, fmt.Errorf("unexpected reply %x/%x", mh.Version, mh.Command)
	}
	n := uint32(hdr[8])<<24 | uint32(hdr[9])<<16 | uint32(hdr[10])<<8 | uint32(hdr[11])
	devices := make([]usbip.ExportedDevice, 0, n)
	for i := uint32(0); i < n; i++ {
		dev, err := usbip.ReadExportedDevice(conn, true)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// AttachDevice imports busID and returns the URB connection.
func (c *TestUsbIpClient) AttachDevice(busID string) (net.Conn, usbip.ExportedDevice, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, usbip.ExportedDevice{}, err
	}
	fail := func(err error) (net.Conn, usbip.ExportedDevice, error) {
		conn.Close()
		return nil, usbip.ExportedDevice{}, err
	}

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(conn); err != nil {
		return fail(err)
	}
	var bus [usbip.BusIDSize]byte
	copy(bus[:], busID)
	if _, err := conn.Write(bus[:]); err != nil {
		return fail(err)
	}

	var hdr [8]byte
	if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
		return fail(err)
	}
	mh, _ := usbip.ParseMgmtHeader(hdr[:])
	if mh.Command != usbip.OpRepImport {
		return fail(fmt.Errorf("unexpected reply command %x", mh.Command))
	}
	if mh.Status != 0 {
		return fail(fmt.Errorf("import refused with status %d", mh.Status))
	}
	dev, err := usbip.ReadExportedDevice(conn, false)
	if err != nil {
		return fail(err)
	}
	return conn, dev, nil
}

// Submit sends CMD_SUBMIT and returns its sequence number without
// waiting for completion.
func (c *TestUsbIpClient) Submit(conn net.Conn, dir, ep uint32, length uint32, out []byte, setup *usb.SetupPacket) (uint32, error) {
	seq := c.nextSeq(dir)
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Devid: 0x00010002, Dir: dir, Ep: ep},
		TransferBufferLen: length,
	}
	if dir == usbip.DirOut {
		cmd.TransferBufferLen = uint32(len(out))
	}
	if setup != nil {
		cmd.Setup = setup.Bytes()
	}
	if err := cmd.Write(conn); err != nil {
		return 0, err
	}
	if dir == usbip.DirOut && len(out) > 0 {
		if _, err := conn.Write(out); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// Unlink sends CMD_UNLINK for seq.
func (c *TestUsbIpClient) Unlink(conn net.Conn, seq uint32) (uint32, error) {
	own := c.nextSeq(usbip.DirOut)
	cmd := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: own},
		UnlinkSeqnum: seq,
	}
	return own, cmd.Write(conn)
}

// ReadReply reads the next RET_SUBMIT or RET_UNLINK.
func (c *TestUsbIpClient) ReadReply(conn net.Conn, timeout time.Duration) (Reply, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	hdr, err := usbip.ReadURBHeader(conn)
	if err != nil {
		return Reply{}, err
	}
	r := Reply{Header: hdr}
	if hdr.Basic.Command == usbip.RetSubmitCode && c.dirOf(hdr.Basic.Seqnum) == usbip.DirIn && hdr.ActualLength > 0 {
		r.Data = make([]byte, hdr.ActualLength)
		if err := usbip.ReadExactly(conn, r.Data); err != nil {
			return Reply{}, err
		}
	}
	return r, nil
}

// Control runs one control transfer to completion.
func (c *TestUsbIpClient) Control(conn net.Conn, setup usb.SetupPacket, out []byte) (Reply, error) {
	dir := uint32(usbip.DirOut)
	if setup.IsIn() {
		dir = usbip.DirIn
	}
	if _, err := c.Submit(conn, dir, 0, uint32(setup.Length), out, &setup); err != nil {
		return Reply{}, err
	}
	return c.ReadReply(conn, time.Second)
}
