// Package socks5 implements the local SOCKS5 ingress that feeds the tunnel.
package socks5

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

// Method codes offered during RFC 1928 negotiation.
const (
	MethodNone         = 0x00
	MethodUserPass     = 0x02
	MethodNoAcceptable = 0xFF
)

// RFC 1929 sub-negotiation framing.
const (
	userPassVersion = 0x01
	userPassSuccess = 0x00
	userPassFailure = 0x01
)

var errBadCredentials = errors.New("bad credentials")

// Authenticator runs one method's sub-negotiation after the client has
// selected it.
type Authenticator interface {
	// Method returns the RFC 1928 code this authenticator offers.
	Method() byte

	// Authenticate completes the sub-negotiation and returns the
	// authenticated username, empty for methods without one.
	Authenticate(rw io.ReadWriter) (string, error)
}

// NoAuth accepts every connection without a sub-negotiation.
type NoAuth struct{}

func (NoAuth) Method() byte { return MethodNone }

func (NoAuth) Authenticate(io.ReadWriter) (string, error) { return "", nil }

// UserStore answers whether a username/password pair is acceptable.
type UserStore interface {
	Check(username, password string) bool
}

// UserMap is an in-memory UserStore keyed by username.
type UserMap map[string]string

// Check compares in constant time so response timing does not leak
// which usernames exist.
func (m UserMap) Check(username, password string) bool {
	stored, ok := m[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

// UserPassAuth runs the RFC 1929 username/password sub-negotiation:
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//
// answered by a two-byte VER/STATUS reply.
type UserPassAuth struct {
	Users UserStore
}

func (a *UserPassAuth) Method() byte { return MethodUserPass }

func (a *UserPassAuth) Authenticate(rw io.ReadWriter) (string, error) {
	var ver [1]byte
	if _, err := io.ReadFull(rw, ver[:]); err != nil {
		return "", err
	}
	if ver[0] != userPassVersion {
		return "", fmt.Errorf("unsupported auth version 0x%02x", ver[0])
	}

	username, err := readCounted(rw)
	if err != nil {
		return "", err
	}
	if len(username) == 0 {
		return "", errors.New("empty username")
	}
	password, err := readCounted(rw)
	if err != nil {
		return "", err
	}

	if !a.Users.Check(string(username), string(password)) {
		rw.Write([]byte{userPassVersion, userPassFailure})
		return "", errBadCredentials
	}
	if _, err := rw.Write([]byte{userPassVersion, userPassSuccess}); err != nil {
		return "", err
	}
	return string(username), nil
}

// readCounted reads one length byte followed by that many bytes.
func readCounted(r io.Reader) ([]byte, error) {
	var n [1]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	b := make([]byte, int(n[0]))
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// BuildAuthenticators assembles the offered method list. Configured
// users enable username/password; unless required, anonymous access
// stays available too.
func BuildAuthenticators(users map[string]string, required bool) []Authenticator {
	var auths []Authenticator
	if len(users) > 0 {
		auths = append(auths, &UserPassAuth{Users: UserMap(users)})
	}
	if !required {
		auths = append(auths, NoAuth{})
	}
	return auths
}
