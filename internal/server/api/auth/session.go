package auth

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Direction tags occupy the first nonce byte so the two ends never seal
// with the same nonce.
const (
	fromClient byte = 'C'
	fromServer byte = 'S'
)

// maxFrame bounds a single sealed frame, nonce and tag included.
const maxFrame = 2 << 20

var (
	ErrFrameTooLarge = errors.New("sealed frame too large")
	ErrWrongSender   = errors.New("sealed frame from the wrong direction")
)

// sealedConn carries each Write as one frame: a big-endian uint32 length,
// a 12-byte nonce and the ChaCha20-Poly1305 ciphertext.
type sealedConn struct {
	net.Conn
	r    io.Reader
	aead cipher.AEAD
	tx   byte
	rx   byte

	wmu sync.Mutex
	seq uint64

	pending []byte
}

func seal(conn net.Conn, r io.Reader, session []byte, tx, rx byte) (net.Conn, error) {
	aead, err := chacha20poly1305.New(session)
	if err != nil {
		return nil, err
	}
	return &sealedConn{Conn: conn, r: r, aead: aead, tx: tx, rx: rx}, nil
}

func (c *sealedConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	ns := c.aead.NonceSize()
	frame := make([]byte, 4+ns, 4+ns+len(p)+c.aead.Overhead())
	nonce := frame[4 : 4+ns]
	nonce[0] = c.tx
	binary.BigEndian.PutUint64(nonce[ns-8:], c.seq)
	c.seq++
	frame = c.aead.Seal(frame, nonce, p, nil)
	binary.BigEndian.PutUint32(frame[:4], uint32(len(frame)-4))

	if _, err := c.Conn.Write(frame); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *sealedConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		if err := c.readFrame(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *sealedConn) readFrame() error {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	ns := c.aead.NonceSize()
	if size > maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	if int(size) < ns+c.aead.Overhead() {
		return io.ErrUnexpectedEOF
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		return err
	}
	nonce, ct := frame[:ns], frame[ns:]
	if nonce[0] != c.rx {
		return ErrWrongSender
	}
	pt, err := c.aead.Open(ct[:0], nonce, ct, nil)
	if err != nil {
		return err
	}
	c.pending = pt
	return nil
}
