// Package relay implements the client and server runtimes that drive the
// tunnel: connection lifecycle, authentication, task execution, and the
// housekeeping loops.
package relay

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/tuic-go/tuic/internal/protocol"
)

// tokenInfo is the context string for HKDF token derivation.
const tokenInfo = "tuic-token-v1"

// DeriveToken derives the fixed-size authentication token from a user's
// UUID and password using HKDF-SHA256. The UUID acts as the salt so two
// users sharing a password still present distinct tokens.
func DeriveToken(uuid, password string) [protocol.TokenLen]byte {
	var token [protocol.TokenLen]byte

	reader := hkdf.New(sha256.New, []byte(password), []byte(uuid), []byte(tokenInfo))
	if _, err := io.ReadFull(reader, token[:]); err != nil {
		// This should never happen with valid inputs
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}

	return token
}
