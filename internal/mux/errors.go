package mux

import (
	"errors"
	"fmt"

	"github.com/tuic-go/tuic/internal/protocol"
	"github.com/tuic-go/tuic/internal/transport"
)

var (
	// ErrDatagramUnsupported is returned by the native packet path and
	// heartbeats when the transport did not negotiate datagram support.
	ErrDatagramUnsupported = errors.New("unreliable datagrams unsupported by transport")

	// ErrPacketConsumed is returned when a packet is accepted twice.
	ErrPacketConsumed = errors.New("packet already consumed")
)

// Channel names the transport channel kind a command arrived on.
type Channel uint8

// Channel kinds
const (
	ChannelUniStream Channel = iota
	ChannelBiStream
	ChannelDatagram
)

// String returns a human-readable name for the channel kind.
func (c Channel) String() string {
	switch c {
	case ChannelUniStream:
		return "uni_stream"
	case ChannelBiStream:
		return "bi_stream"
	case ChannelDatagram:
		return "datagram"
	default:
		return "unknown"
	}
}

// PayloadLengthError reports a fragment whose declared size exceeds the
// bytes actually available.
type PayloadLengthError struct {
	Declared int
	Got      int
}

func (e *PayloadLengthError) Error() string {
	return fmt.Sprintf("expecting payload length %d but got %d", e.Declared, e.Got)
}

// AssociationError reports a packet referencing an association this end
// never created. When the packet arrived on a unidirectional channel the
// stream is attached, payload unread, for the caller to dispose of.
type AssociationError struct {
	AssocID uint16
	Recv    transport.ReceiveStream // set for uni_stream
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("invalid udp association %d", e.AssocID)
}

// HeaderError reports a channel whose leading bytes did not decode into a
// command header. The original channel is attached, positioned just past
// whatever decoding consumed, so the caller chooses its disposal.
type HeaderError struct {
	Channel  Channel
	Err      error
	Recv     transport.ReceiveStream // set for uni_stream
	Stream   transport.Stream        // set for bi_stream
	Datagram []byte                  // set for datagram
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("error decoding header from %s: %v", e.Channel, e.Err)
}

func (e *HeaderError) Unwrap() error {
	return e.Err
}

// BadCommandError reports a decoded command that is not legal on the
// channel it arrived on for this end's role. The original channel is
// attached unconsumed past the header.
type BadCommandError struct {
	Command  protocol.Command
	Channel  Channel
	Recv     transport.ReceiveStream
	Stream   transport.Stream
	Datagram []byte
}

func (e *BadCommandError) Error() string {
	return fmt.Sprintf("bad command %q from %s", e.Command, e.Channel)
}
