// Package protocol implements the TUIC wire protocol: command headers and
// the address encoding shared by every command.
package protocol

// Version is the protocol version carried in every header.
const Version uint8 = 0x05

// Command identifies a protocol command.
type Command uint8

// Command types
const (
	CmdAuthenticate Command = 0x00 // Client credential presentation
	CmdConnect      Command = 0x01 // TCP-style relayed connection
	CmdPacket       Command = 0x02 // UDP relay fragment
	CmdDissociate   Command = 0x03 // Tear down a UDP association
	CmdHeartbeat    Command = 0x04 // Liveness probe
)

// Address type constants
const (
	AddrTypeDomain uint8 = 0x00 // 1-byte length + string
	AddrTypeIPv4   uint8 = 0x01 // 4 bytes
	AddrTypeIPv6   uint8 = 0x02 // 16 bytes
	AddrTypeNone   uint8 = 0xff // No address present
)

// Protocol constants
const (
	// TokenLen is the length of the authentication token.
	TokenLen = 32

	// MaxFragmentSize caps a single packet fragment (header plus payload)
	// on the reliable stream path.
	MaxFragmentSize = 65535
)

// String returns a human-readable name for a command.
func (c Command) String() string {
	switch c {
	case CmdAuthenticate:
		return "authenticate"
	case CmdConnect:
		return "connect"
	case CmdPacket:
		return "packet"
	case CmdDissociate:
		return "dissociate"
	case CmdHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}
