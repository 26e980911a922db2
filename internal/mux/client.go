package mux

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tuic-go/tuic/internal/model"
	"github.com/tuic-go/tuic/internal/protocol"
	"github.com/tuic-go/tuic/internal/transport"
)

// Client is the initiating end of a session. It sends authenticate,
// connect, dissociate, heartbeat and packet commands, and accepts only
// packets back from the server.
type Client struct {
	conn
}

// NewClient wraps an established transport connection as the client end of
// a session. The transport handle is shared, not owned: the caller keeps
// driving its accept queues and hands inbound channels to the Accept
// methods.
func NewClient(t transport.Conn) *Client {
	return &Client{conn{transport: t, model: model.New(model.SideClient)}}
}

// Authenticate presents the credential token on a fresh unidirectional
// channel, closed as soon as the header is flushed.
func (c *Client) Authenticate(ctx context.Context, token [protocol.TokenLen]byte) error {
	send, err := c.transport.OpenUniStream(ctx)
	if err != nil {
		return err
	}
	if _, err := send.Write(c.model.SendAuthenticate(token).Marshal()); err != nil {
		send.CancelWrite(0)
		return fmt.Errorf("write authenticate: %w", err)
	}
	return send.Close()
}

// Connect opens a relayed TCP-style session to addr. It returns as soon as
// the connect header is written; the protocol is optimistic, so data may
// be sent before the peer has acted on the request.
func (c *Client) Connect(ctx context.Context, addr protocol.Address) (*Connect, error) {
	sess := c.model.SendConnect(addr)

	stream, err := c.transport.OpenStream(ctx)
	if err != nil {
		sess.Close()
		return nil, err
	}

	if _, err := stream.Write(sess.Header().Marshal()); err != nil {
		sess.Close()
		stream.CancelWrite(0)
		stream.CancelRead(0)
		return nil, fmt.Errorf("write connect: %w", err)
	}

	return newConnect(sess, stream), nil
}

// Dissociate tells the server to discard the association's reassembly
// state, on a fresh unidirectional channel closed after the flush.
func (c *Client) Dissociate(ctx context.Context, assocID uint16) error {
	hdr := c.model.SendDissociate(assocID)

	send, err := c.transport.OpenUniStream(ctx)
	if err != nil {
		return err
	}
	if _, err := send.Write(hdr.Marshal()); err != nil {
		send.CancelWrite(0)
		return fmt.Errorf("write dissociate: %w", err)
	}
	return send.Close()
}

// AcceptUniStream classifies one inbound unidirectional channel. The only
// command a client accepts here is a packet for an association it created.
func (c *Client) AcceptUniStream(recv transport.ReceiveStream) (Task, error) {
	hdr, err := protocol.ReadHeader(recv)
	if err != nil {
		return nil, &HeaderError{Channel: ChannelUniStream, Err: err, Recv: recv}
	}

	switch h := hdr.(type) {
	case *protocol.Packet:
		pkt, ok := c.model.RecvPacket(h)
		if !ok {
			return nil, &AssociationError{AssocID: h.AssocID, Recv: recv}
		}
		return TaskPacket{Packet: newPacket(pkt, &streamSource{recv: recv})}, nil

	case *protocol.Authenticate, *protocol.Connect, *protocol.Dissociate, *protocol.Heartbeat:
		return nil, &BadCommandError{Command: hdr.Command(), Channel: ChannelUniStream, Recv: recv}

	default:
		return nil, &BadCommandError{Command: hdr.Command(), Channel: ChannelUniStream, Recv: recv}
	}
}

// AcceptStream classifies one inbound bidirectional channel. No command is
// legal on a client's bidirectional channel; connects flow the other way.
func (c *Client) AcceptStream(stream transport.Stream) (Task, error) {
	hdr, err := protocol.ReadHeader(stream)
	if err != nil {
		return nil, &HeaderError{Channel: ChannelBiStream, Err: err, Stream: stream}
	}
	return nil, &BadCommandError{Command: hdr.Command(), Channel: ChannelBiStream, Stream: stream}
}

// AcceptDatagram classifies one inbound unreliable datagram. The only
// command a client accepts here is a packet for an association it created.
func (c *Client) AcceptDatagram(dg []byte) (Task, error) {
	r := bytes.NewReader(dg)

	hdr, err := protocol.ReadHeader(r)
	if err != nil {
		return nil, &HeaderError{Channel: ChannelDatagram, Err: err, Datagram: dg}
	}

	switch h := hdr.(type) {
	case *protocol.Packet:
		pkt, ok := c.model.RecvPacket(h)
		if !ok {
			return nil, &AssociationError{AssocID: h.AssocID}
		}
		payload, err := datagramPayload(dg, r.Len(), int(h.Size))
		if err != nil {
			return nil, err
		}
		return TaskPacket{Packet: newPacket(pkt, nativeSource(payload))}, nil

	case *protocol.Authenticate, *protocol.Connect, *protocol.Dissociate, *protocol.Heartbeat:
		return nil, &BadCommandError{Command: hdr.Command(), Channel: ChannelDatagram, Datagram: dg}

	default:
		return nil, &BadCommandError{Command: hdr.Command(), Channel: ChannelDatagram, Datagram: dg}
	}
}

// datagramPayload slices the fragment payload out of a datagram given the
// unread remainder after header decoding and the header-declared size.
func datagramPayload(dg []byte, remaining, size int) ([]byte, error) {
	if size > remaining {
		return nil, &PayloadLengthError{Declared: size, Got: remaining}
	}
	pos := len(dg) - remaining
	return dg[pos : pos+size], nil
}
