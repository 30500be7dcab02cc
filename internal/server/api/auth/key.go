// Package auth secures modem API connections with a shared password.
//
// A client opens with Magic, a random nonce and an HMAC of that nonce under
// the password key. The server answers "OK\x00" and its own nonce. Both ends
// then mix the two nonces into a session key and exchange sealed frames.
package auth

import (
	"crypto/hmac"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"errors"
)

const (
	passwordLength   = 16
	passwordAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	kdfIterations = 100000
	kdfSalt       = "ME56PS2-Key-v1"

	helloContext   = "ME56PS2-Auth-v1"
	sessionContext = "ME56PS2-Session-v1"
)

var ErrEmptyPassword = errors.New("API password is empty")

// Key is the 32-byte secret stretched from an API password.
type Key []byte

// NewPassword returns a random alphanumeric password for a fresh key file.
func NewPassword() (string, error) {
	raw := make([]byte, passwordLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	for i, b := range raw {
		raw[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}
	return string(raw), nil
}

// KeyFromPassword stretches password with PBKDF2-SHA256.
func KeyFromPassword(password string) (Key, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	return pbkdf2.Key(sha256.New, password, []byte(kdfSalt), kdfIterations, 32)
}

// proof is the MAC a client sends to show it holds k.
func (k Key) proof(clientNonce []byte) []byte {
	mac := hmac.New(sha256.New, k)
	mac.Write([]byte(helloContext))
	mac.Write(clientNonce)
	return mac.Sum(nil)
}

func (k Key) session(serverNonce, clientNonce []byte) []byte {
	h := sha256.New()
	h.Write(k)
	h.Write(serverNonce)
	h.Write(clientNonce)
	h.Write([]byte(sessionContext))
	return h.Sum(nil)
}
