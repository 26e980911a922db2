package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidHeader is returned when a header is malformed.
	ErrInvalidHeader = errors.New("invalid header")

	// ErrUnknownCommand is returned for unrecognized command types.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrInvalidAddress is returned when an address cannot be encoded or
	// decoded.
	ErrInvalidAddress = errors.New("invalid address")
)

// Header is one decoded command header. The set of implementations is
// closed: Authenticate, Connect, Packet, Dissociate and Heartbeat.
type Header interface {
	// Command returns the command type.
	Command() Command

	// Len returns the encoded length including the version and type bytes.
	Len() int

	// Marshal encodes the full header.
	Marshal() []byte
}

// Authenticate carries the client's credential token.
type Authenticate struct {
	Token [TokenLen]byte
}

// Command returns CmdAuthenticate.
func (a *Authenticate) Command() Command { return CmdAuthenticate }

// Len returns the encoded header length.
func (a *Authenticate) Len() int { return 2 + TokenLen }

// Marshal encodes the header.
func (a *Authenticate) Marshal() []byte {
	buf := make([]byte, a.Len())
	buf[0] = Version
	buf[1] = uint8(CmdAuthenticate)
	copy(buf[2:], a.Token[:])
	return buf
}

// Connect requests a relayed TCP-style connection to Addr.
type Connect struct {
	Addr Address
}

// Command returns CmdConnect.
func (c *Connect) Command() Command { return CmdConnect }

// Len returns the encoded header length.
func (c *Connect) Len() int { return 2 + c.Addr.Len() }

// Marshal encodes the header.
func (c *Connect) Marshal() []byte {
	buf := make([]byte, c.Len())
	buf[0] = Version
	buf[1] = uint8(CmdConnect)
	c.Addr.appendTo(buf, 2)
	return buf
}

// Packet carries one fragment of a relayed UDP datagram.
// Fields after the version and type bytes:
//
//	AssocID   [2 bytes] - Association the datagram belongs to
//	PktID     [2 bytes] - Groups fragments of one datagram
//	FragTotal [1 byte]  - Total fragment count
//	FragID    [1 byte]  - This fragment's index, starting at 0
//	Size      [2 bytes] - Fragment payload length
//	Addr      [varies]  - Destination; none type on non-initial fragments
type Packet struct {
	AssocID   uint16
	PktID     uint16
	FragTotal uint8
	FragID    uint8
	Size      uint16
	Addr      Address
}

// Command returns CmdPacket.
func (p *Packet) Command() Command { return CmdPacket }

// Len returns the encoded header length.
func (p *Packet) Len() int { return 2 + 8 + p.Addr.Len() }

// Marshal encodes the header.
func (p *Packet) Marshal() []byte {
	buf := make([]byte, p.Len())
	buf[0] = Version
	buf[1] = uint8(CmdPacket)
	binary.BigEndian.PutUint16(buf[2:], p.AssocID)
	binary.BigEndian.PutUint16(buf[4:], p.PktID)
	buf[6] = p.FragTotal
	buf[7] = p.FragID
	binary.BigEndian.PutUint16(buf[8:], p.Size)
	p.Addr.appendTo(buf, 10)
	return buf
}

// Dissociate tears down a UDP association.
type Dissociate struct {
	AssocID uint16
}

// Command returns CmdDissociate.
func (d *Dissociate) Command() Command { return CmdDissociate }

// Len returns the encoded header length.
func (d *Dissociate) Len() int { return 2 + 2 }

// Marshal encodes the header.
func (d *Dissociate) Marshal() []byte {
	buf := make([]byte, d.Len())
	buf[0] = Version
	buf[1] = uint8(CmdDissociate)
	binary.BigEndian.PutUint16(buf[2:], d.AssocID)
	return buf
}

// Heartbeat is an empty liveness probe.
type Heartbeat struct{}

// Command returns CmdHeartbeat.
func (h *Heartbeat) Command() Command { return CmdHeartbeat }

// Len returns the encoded header length.
func (h *Heartbeat) Len() int { return 2 }

// Marshal encodes the header.
func (h *Heartbeat) Marshal() []byte {
	return []byte{Version, uint8(CmdHeartbeat)}
}

// ReadHeader decodes one command header from r. It reads exactly the bytes
// the header occupies and nothing more, so on a command-specific decode
// error the remainder of the channel is untouched.
func ReadHeader(r io.Reader) (Header, error) {
	var vt [2]byte
	if _, err := io.ReadFull(r, vt[:]); err != nil {
		return nil, err
	}

	if vt[0] != Version {
		return nil, fmt.Errorf("%w: version 0x%02x", ErrInvalidHeader, vt[0])
	}

	switch Command(vt[1]) {
	case CmdAuthenticate:
		var a Authenticate
		if _, err := io.ReadFull(r, a.Token[:]); err != nil {
			return nil, err
		}
		return &a, nil

	case CmdConnect:
		addr, err := ReadAddress(r)
		if err != nil {
			return nil, err
		}
		if addr.IsNone() {
			return nil, fmt.Errorf("%w: connect without address", ErrInvalidHeader)
		}
		return &Connect{Addr: addr}, nil

	case CmdPacket:
		var fixed [8]byte
		if _, err := io.ReadFull(r, fixed[:]); err != nil {
			return nil, err
		}
		addr, err := ReadAddress(r)
		if err != nil {
			return nil, err
		}
		return &Packet{
			AssocID:   binary.BigEndian.Uint16(fixed[0:2]),
			PktID:     binary.BigEndian.Uint16(fixed[2:4]),
			FragTotal: fixed[4],
			FragID:    fixed[5],
			Size:      binary.BigEndian.Uint16(fixed[6:8]),
			Addr:      addr,
		}, nil

	case CmdDissociate:
		var id [2]byte
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return nil, err
		}
		return &Dissociate{AssocID: binary.BigEndian.Uint16(id[:])}, nil

	case CmdHeartbeat:
		return &Heartbeat{}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, vt[1])
	}
}
