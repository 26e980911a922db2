package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/tuic-go/tuic/internal/protocol"
)

var (
	// ErrFragmentCapacity is returned when the channel size limit leaves no
	// room for payload after the fragment header.
	ErrFragmentCapacity = errors.New("fragment capacity too small")

	// ErrTooManyFragments is returned when a payload would not fit in the
	// protocol's fragment count limit.
	ErrTooManyFragments = errors.New("too many fragments")

	// ErrFragmentMismatch is returned when a fragment's metadata disagrees
	// with previously buffered fragments of the same datagram.
	ErrFragmentMismatch = errors.New("fragment metadata mismatch")

	// ErrDuplicateFragment is returned when a fragment index arrives twice.
	ErrDuplicateFragment = errors.New("duplicate fragment")

	// ErrMissingAddress is returned when a datagram completes without any
	// fragment having carried the destination address.
	ErrMissingAddress = errors.New("missing destination address")
)

// Fragment is one ready-to-send piece of an outgoing datagram.
type Fragment struct {
	Header  *protocol.Packet
	Payload []byte
}

// Datagram is one fully reassembled relayed UDP datagram.
type Datagram struct {
	Payload []byte
	Addr    protocol.Address
	AssocID uint16
}

// PacketSend prepares one outgoing datagram for an association.
type PacketSend struct {
	assocID    uint16
	pktID      uint16
	addr       protocol.Address
	maxPktSize int
}

// SendPacket registers the association (creating it on first use), assigns
// the datagram a packet id and returns a fragmenter bounded by maxPktSize,
// the largest header-plus-payload message the chosen channel can carry.
func (c *Connection) SendPacket(assocID uint16, addr protocol.Address, maxPktSize int) *PacketSend {
	c.mu.Lock()
	assoc := c.getAssocLocked(assocID)
	pktID := assoc.nextPktID
	assoc.nextPktID++
	c.mu.Unlock()

	return &PacketSend{
		assocID:    assocID,
		pktID:      pktID,
		addr:       addr,
		maxPktSize: maxPktSize,
	}
}

// Fragments splits payload into fragments that each fit maxPktSize once
// prefixed with their header. The first fragment carries the destination
// address, the rest the none address. Fragment indexes are contiguous from
// zero; an empty payload still produces one fragment so the address is
// delivered.
func (p *PacketSend) Fragments(payload []byte) ([]Fragment, error) {
	// The first fragment has the largest header, so sizing every fragment
	// by it keeps all of them under the limit.
	overhead := (&protocol.Packet{Addr: p.addr}).Len()
	capacity := p.maxPktSize - overhead
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: limit %d, header %d", ErrFragmentCapacity, p.maxPktSize, overhead)
	}

	total := (len(payload) + capacity - 1) / capacity
	if total == 0 {
		total = 1
	}
	if total > 0xff {
		return nil, fmt.Errorf("%w: %d fragments of %d bytes", ErrTooManyFragments, total, capacity)
	}

	frags := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * capacity
		end := start + capacity
		if end > len(payload) {
			end = len(payload)
		}

		addr := protocol.NoneAddress()
		if i == 0 {
			addr = p.addr
		}

		frags = append(frags, Fragment{
			Header: &protocol.Packet{
				AssocID:   p.assocID,
				PktID:     p.pktID,
				FragTotal: uint8(total),
				FragID:    uint8(i),
				Size:      uint16(end - start),
				Addr:      addr,
			},
			Payload: payload[start:end],
		})
	}

	return frags, nil
}

// PacketRecv is the registered state of one inbound packet fragment.
type PacketRecv struct {
	conn *Connection
	hdr  *protocol.Packet
}

// AssocID returns the association the fragment belongs to.
func (p *PacketRecv) AssocID() uint16 {
	return p.hdr.AssocID
}

// Size returns the header-declared payload length of the fragment.
func (p *PacketRecv) Size() uint16 {
	return p.hdr.Size
}

// Assemble feeds the fragment's payload into the association's reassembly
// state. It returns the completed datagram once all fragments have arrived
// and nil while some are still outstanding. Fragments may arrive in any
// order.
func (p *PacketRecv) Assemble(payload []byte) (*Datagram, error) {
	hdr := p.hdr

	if len(payload) != int(hdr.Size) {
		return nil, fmt.Errorf("%w: declared %d bytes, got %d", ErrFragmentMismatch, hdr.Size, len(payload))
	}
	if payload == nil {
		payload = []byte{}
	}
	if hdr.FragTotal == 0 || hdr.FragID >= hdr.FragTotal {
		return nil, fmt.Errorf("%w: fragment %d of %d", ErrFragmentMismatch, hdr.FragID, hdr.FragTotal)
	}

	// Unfragmented datagrams skip the buffers entirely.
	if hdr.FragTotal == 1 {
		if hdr.Addr.IsNone() {
			return nil, ErrMissingAddress
		}
		return &Datagram{Payload: payload, Addr: hdr.Addr, AssocID: hdr.AssocID}, nil
	}

	p.conn.mu.Lock()
	defer p.conn.mu.Unlock()

	assoc := p.conn.getAssocLocked(hdr.AssocID)

	pp, ok := assoc.pending[hdr.PktID]
	if !ok {
		pp = &pendingPacket{
			total:     hdr.FragTotal,
			frags:     make([][]byte, hdr.FragTotal),
			addr:      protocol.NoneAddress(),
			createdAt: time.Now(),
		}
		assoc.pending[hdr.PktID] = pp
	}

	if pp.total != hdr.FragTotal {
		return nil, fmt.Errorf("%w: total %d, buffered %d", ErrFragmentMismatch, hdr.FragTotal, pp.total)
	}
	if pp.frags[hdr.FragID] != nil {
		return nil, fmt.Errorf("%w: fragment %d of packet %d", ErrDuplicateFragment, hdr.FragID, hdr.PktID)
	}

	pp.frags[hdr.FragID] = payload
	pp.received++
	if !hdr.Addr.IsNone() {
		pp.addr = hdr.Addr
	}

	if pp.received < pp.total {
		return nil, nil
	}

	delete(assoc.pending, hdr.PktID)

	if pp.addr.IsNone() {
		return nil, ErrMissingAddress
	}

	size := 0
	for _, frag := range pp.frags {
		size += len(frag)
	}
	out := make([]byte, 0, size)
	for _, frag := range pp.frags {
		out = append(out, frag...)
	}

	return &Datagram{Payload: out, Addr: pp.addr, AssocID: hdr.AssocID}, nil
}
