// Package mux multiplexes the protocol's command types onto one QUIC
// transport connection: channel selection and payload fragmentation on the
// way out, per-channel command dispatch on the way in. The Client and
// Server types are the two role-specialized entry points; they share the
// transport-facing core and differ in which commands they may send and
// accept.
//
// The package never polls the transport for inbound channels. The caller's
// accept loop hands each received stream or datagram to AcceptUniStream,
// AcceptStream or AcceptDatagram, which classify it into a Task or return
// an error carrying the original channel for caller-driven disposal.
package mux

import (
	"context"
	"fmt"
	"time"

	"github.com/tuic-go/tuic/internal/model"
	"github.com/tuic-go/tuic/internal/protocol"
	"github.com/tuic-go/tuic/internal/transport"
)

// conn is the role-independent core shared by Client and Server. All of
// its methods are safe for concurrent use; each call opens its own
// channels and the model layer owns the shared-state synchronization.
type conn struct {
	transport transport.Conn
	model     *model.Connection
}

// PacketNative relays one UDP payload over the unreliable datagram
// channel, fragmented to the transport's datagram size bound. Fragments
// already sent when a later send fails are not rolled back.
func (c *conn) PacketNative(payload []byte, addr protocol.Address, assocID uint16) error {
	maxPktSize := c.transport.MaxDatagramSize()
	if maxPktSize == 0 {
		return ErrDatagramUnsupported
	}

	frags, err := c.model.SendPacket(assocID, addr, maxPktSize).Fragments(payload)
	if err != nil {
		return err
	}

	for _, frag := range frags {
		buf := make([]byte, 0, frag.Header.Len()+len(frag.Payload))
		buf = append(buf, frag.Header.Marshal()...)
		buf = append(buf, frag.Payload...)
		if err := c.transport.SendDatagram(buf); err != nil {
			return fmt.Errorf("send datagram: %w", err)
		}
	}

	return nil
}

// PacketQUIC relays one UDP payload over dedicated unidirectional
// channels, one per fragment, for reliable delivery or payloads beyond the
// datagram bound. Each channel carries the fragment header followed by the
// raw fragment bytes and is closed once flushed.
func (c *conn) PacketQUIC(ctx context.Context, payload []byte, addr protocol.Address, assocID uint16) error {
	frags, err := c.model.SendPacket(assocID, addr, protocol.MaxFragmentSize).Fragments(payload)
	if err != nil {
		return err
	}

	for _, frag := range frags {
		send, err := c.transport.OpenUniStream(ctx)
		if err != nil {
			return err
		}
		if _, err := send.Write(frag.Header.Marshal()); err != nil {
			send.CancelWrite(0)
			return fmt.Errorf("write packet header: %w", err)
		}
		if _, err := send.Write(frag.Payload); err != nil {
			send.CancelWrite(0)
			return fmt.Errorf("write packet fragment: %w", err)
		}
		if err := send.Close(); err != nil {
			return fmt.Errorf("close packet stream: %w", err)
		}
	}

	return nil
}

// Heartbeat sends a liveness probe over the datagram channel. Heartbeats
// are best-effort and never consume stream resources.
func (c *conn) Heartbeat() error {
	if c.transport.MaxDatagramSize() == 0 {
		return ErrDatagramUnsupported
	}
	return c.transport.SendDatagram(c.model.SendHeartbeat().Marshal())
}

// TaskConnectCount returns the number of outstanding connect tasks.
func (c *conn) TaskConnectCount() int {
	return c.model.TaskConnectCount()
}

// TaskAssociateCount returns the number of active UDP associations.
func (c *conn) TaskAssociateCount() int {
	return c.model.TaskAssociateCount()
}

// CollectGarbage discards reassembly buffers that have been incomplete for
// at least maxAge and returns how many were dropped. Collection is always
// caller-triggered; the connection schedules nothing itself.
func (c *conn) CollectGarbage(maxAge time.Duration) int {
	return c.model.CollectGarbage(maxAge)
}
