package mux

import (
	"bytes"

	"github.com/tuic-go/tuic/internal/model"
	"github.com/tuic-go/tuic/internal/protocol"
	"github.com/tuic-go/tuic/internal/transport"
)

// Server is the accepting end of a session. It accepts authenticate,
// connect, dissociate, heartbeat and packet commands, learns associations
// lazily from traffic, and sends only packets and heartbeats back.
type Server struct {
	conn
}

// NewServer wraps an established transport connection as the server end of
// a session.
func NewServer(t transport.Conn) *Server {
	return &Server{conn{transport: t, model: model.New(model.SideServer)}}
}

// AcceptUniStream classifies one inbound unidirectional channel:
// authenticate, dissociate, or a packet whose fragment body stays on the
// channel until the Task's packet is accepted.
func (s *Server) AcceptUniStream(recv transport.ReceiveStream) (Task, error) {
	hdr, err := protocol.ReadHeader(recv)
	if err != nil {
		return nil, &HeaderError{Channel: ChannelUniStream, Err: err, Recv: recv}
	}

	switch h := hdr.(type) {
	case *protocol.Authenticate:
		return TaskAuthenticate{Token: s.model.RecvAuthenticate(h)}, nil

	case *protocol.Packet:
		pkt := s.model.RecvPacketUnrestricted(h)
		return TaskPacket{Packet: newPacket(pkt, &streamSource{recv: recv})}, nil

	case *protocol.Dissociate:
		return TaskDissociate{AssocID: s.model.RecvDissociate(h)}, nil

	case *protocol.Connect, *protocol.Heartbeat:
		return nil, &BadCommandError{Command: hdr.Command(), Channel: ChannelUniStream, Recv: recv}

	default:
		return nil, &BadCommandError{Command: hdr.Command(), Channel: ChannelUniStream, Recv: recv}
	}
}

// AcceptStream classifies one inbound bidirectional channel. The only
// legal command is connect, which yields the relayed session.
func (s *Server) AcceptStream(stream transport.Stream) (Task, error) {
	hdr, err := protocol.ReadHeader(stream)
	if err != nil {
		return nil, &HeaderError{Channel: ChannelBiStream, Err: err, Stream: stream}
	}

	switch h := hdr.(type) {
	case *protocol.Connect:
		return TaskConnect{Conn: newConnect(s.model.RecvConnect(h), stream)}, nil

	case *protocol.Authenticate, *protocol.Packet, *protocol.Dissociate, *protocol.Heartbeat:
		return nil, &BadCommandError{Command: hdr.Command(), Channel: ChannelBiStream, Stream: stream}

	default:
		return nil, &BadCommandError{Command: hdr.Command(), Channel: ChannelBiStream, Stream: stream}
	}
}

// AcceptDatagram classifies one inbound unreliable datagram: a packet for
// any association, or a heartbeat.
func (s *Server) AcceptDatagram(dg []byte) (Task, error) {
	r := bytes.NewReader(dg)

	hdr, err := protocol.ReadHeader(r)
	if err != nil {
		return nil, &HeaderError{Channel: ChannelDatagram, Err: err, Datagram: dg}
	}

	switch h := hdr.(type) {
	case *protocol.Packet:
		payload, err := datagramPayload(dg, r.Len(), int(h.Size))
		if err != nil {
			return nil, err
		}
		pkt := s.model.RecvPacketUnrestricted(h)
		return TaskPacket{Packet: newPacket(pkt, nativeSource(payload))}, nil

	case *protocol.Heartbeat:
		s.model.RecvHeartbeat(h)
		return TaskHeartbeat{}, nil

	case *protocol.Authenticate, *protocol.Connect, *protocol.Dissociate:
		return nil, &BadCommandError{Command: hdr.Command(), Channel: ChannelDatagram, Datagram: dg}

	default:
		return nil, &BadCommandError{Command: hdr.Command(), Channel: ChannelDatagram, Datagram: dg}
	}
}
