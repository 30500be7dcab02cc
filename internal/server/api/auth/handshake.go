package auth

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/me56ps2/me56ps2/apitypes"
)

const (
	Magic     = "eMS1\x00"
	NonceSize = 32
	// HelloSize is the length of a client opening, magic included.
	HelloSize = len(Magic) + NonceSize + sha256.Size

	accepted = "OK\x00"
)

var (
	// ErrBadPassword means the client proof did not match the server key.
	ErrBadPassword = errors.New("invalid password")
	ErrNoMagic     = errors.New("connection does not start with the auth magic")
)

// Offered reports whether r starts with Magic without consuming it.
func Offered(r *bufio.Reader) (bool, error) {
	b, err := r.Peek(len(Magic))
	if err != nil {
		return false, err
	}
	return string(b) == Magic, nil
}

// Accept runs the server side of the handshake. The opening is read from r,
// which must buffer conn. The returned conn reads through r.
func Accept(r *bufio.Reader, conn net.Conn, key Key) (net.Conn, error) {
	hello := make([]byte, HelloSize)
	if _, err := io.ReadFull(r, hello); err != nil {
		return nil, fmt.Errorf("read client hello: %w", err)
	}
	if string(hello[:len(Magic)]) != Magic {
		return nil, ErrNoMagic
	}
	clientNonce := hello[len(Magic) : len(Magic)+NonceSize]
	if !hmac.Equal(hello[len(Magic)+NonceSize:], key.proof(clientNonce)) {
		return nil, ErrBadPassword
	}

	serverNonce := make([]byte, NonceSize)
	if _, err := rand.Read(serverNonce); err != nil {
		return nil, fmt.Errorf("server nonce: %w", err)
	}
	if _, err := conn.Write(append([]byte(accepted), serverNonce...)); err != nil {
		return nil, fmt.Errorf("write server hello: %w", err)
	}
	return seal(conn, r, key.session(serverNonce, clientNonce), fromServer, fromClient)
}

// Initiate runs the client side of the handshake over conn. A server that
// refuses with a JSON problem line is reported as that *apitypes.ApiError.
// A server that hangs up instead yields ErrBadPassword.
func Initiate(conn net.Conn, key Key) (net.Conn, error) {
	clientNonce := make([]byte, NonceSize)
	if _, err := rand.Read(clientNonce); err != nil {
		return nil, fmt.Errorf("client nonce: %w", err)
	}
	hello := make([]byte, 0, HelloSize)
	hello = append(hello, Magic...)
	hello = append(hello, clientNonce...)
	hello = append(hello, key.proof(clientNonce)...)
	if _, err := conn.Write(hello); err != nil {
		return nil, fmt.Errorf("write client hello: %w", err)
	}

	r := bufio.NewReader(conn)
	status := make([]byte, len(accepted))
	if _, err := io.ReadFull(r, status); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrBadPassword
		}
		return nil, fmt.Errorf("read server hello: %w", err)
	}
	if string(status) != accepted {
		rest, _ := io.ReadAll(r)
		line := bytes.TrimSuffix(append(status, rest...), []byte("\n"))
		var problem apitypes.ApiError
		if json.Unmarshal(line, &problem) == nil && (problem.Status != 0 || problem.Title != "") {
			return nil, &problem
		}
		return nil, fmt.Errorf("invalid handshake response from server: %q", line)
	}

	serverNonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, serverNonce); err != nil {
		return nil, fmt.Errorf("read server nonce: %w", err)
	}
	return seal(conn, r, key.session(serverNonce, clientNonce), fromClient, fromServer)
}
