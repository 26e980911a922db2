package mux

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tuic-go/tuic/internal/model"
	"github.com/tuic-go/tuic/internal/transport"
)

// Packet is one inbound UDP relay fragment whose payload has not yet been
// claimed. The payload source is either bytes already in hand (datagram
// channel) or a pending read from a unidirectional channel; it is resolved
// exactly once, when Accept is called.
type Packet struct {
	pkt      *model.PacketRecv
	src      packetSource
	consumed atomic.Bool
}

// packetSource resolves a fragment payload of a header-declared size.
type packetSource interface {
	resolve(size int) ([]byte, error)
}

// nativeSource is a payload already resident in memory.
type nativeSource []byte

func (s nativeSource) resolve(int) ([]byte, error) {
	return s, nil
}

// streamSource defers the payload to one bounded read from the channel.
type streamSource struct {
	recv transport.ReceiveStream
}

func (s *streamSource) resolve(size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(s.recv, buf); err != nil {
		return nil, fmt.Errorf("read packet fragment: %w", err)
	}
	return buf, nil
}

func newPacket(pkt *model.PacketRecv, src packetSource) *Packet {
	return &Packet{pkt: pkt, src: src}
}

// AssocID returns the association the fragment belongs to.
func (p *Packet) AssocID() uint16 {
	return p.pkt.AssocID()
}

// Accept resolves the payload source and feeds the fragment to reassembly.
// It returns the fully reassembled datagram once every fragment of the
// association's packet has arrived, and nil while some are still buffered.
// Accept consumes the packet; a second call returns ErrPacketConsumed.
func (p *Packet) Accept() (*model.Datagram, error) {
	if !p.consumed.CompareAndSwap(false, true) {
		return nil, ErrPacketConsumed
	}

	payload, err := p.src.resolve(int(p.pkt.Size()))
	if err != nil {
		return nil, err
	}

	return p.pkt.Assemble(payload)
}

// Discard abandons the packet without reading its payload, releasing the
// underlying channel. Reassembly state for other fragments is untouched.
func (p *Packet) Discard() {
	p.consumed.Store(true)
	if s, ok := p.src.(*streamSource); ok {
		s.recv.CancelRead(0)
	}
}
