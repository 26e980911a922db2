// Package model tracks cross-channel protocol state for one multiplexed
// session: outstanding connect tasks, UDP associations and their fragment
// reassembly buffers. It owns all synchronization; callers may drive it
// from any number of goroutines.
package model

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tuic-go/tuic/internal/protocol"
)

// Side distinguishes the client and server ends of a session.
type Side uint8

const (
	// SideClient initiates connects and associations.
	SideClient Side = iota
	// SideServer learns associations lazily from traffic.
	SideServer
)

// Connection holds the shared protocol state of one session.
type Connection struct {
	side Side

	mu     sync.Mutex
	assocs map[uint16]*association

	connects atomic.Int64
}

// association tracks one UDP association and its incomplete datagrams.
type association struct {
	pending   map[uint16]*pendingPacket
	nextPktID uint16
}

// pendingPacket buffers fragments of one datagram until all arrive.
type pendingPacket struct {
	total     uint8
	received  uint8
	frags     [][]byte
	addr      protocol.Address
	createdAt time.Time
}

// New creates the state for one session end.
func New(side Side) *Connection {
	return &Connection{
		side:   side,
		assocs: make(map[uint16]*association),
	}
}

// Side returns which end of the session this state belongs to.
func (c *Connection) Side() Side {
	return c.side
}

// SendAuthenticate builds the header for an outgoing authenticate command.
func (c *Connection) SendAuthenticate(token [protocol.TokenLen]byte) *protocol.Authenticate {
	return &protocol.Authenticate{Token: token}
}

// SendConnect registers an outgoing connect task and returns its session
// state. The task stays counted until the session is closed.
func (c *Connection) SendConnect(addr protocol.Address) *ConnectSession {
	c.connects.Add(1)
	return &ConnectSession{conn: c, addr: addr}
}

// RecvConnect registers an accepted connect task.
func (c *Connection) RecvConnect(h *protocol.Connect) *ConnectSession {
	c.connects.Add(1)
	return &ConnectSession{conn: c, addr: h.Addr}
}

// SendDissociate drops the association's local state and returns the header
// to send.
func (c *Connection) SendDissociate(assocID uint16) *protocol.Dissociate {
	c.mu.Lock()
	delete(c.assocs, assocID)
	c.mu.Unlock()
	return &protocol.Dissociate{AssocID: assocID}
}

// RecvDissociate drops the association named by an inbound dissociate
// command and returns its id.
func (c *Connection) RecvDissociate(h *protocol.Dissociate) uint16 {
	c.mu.Lock()
	delete(c.assocs, h.AssocID)
	c.mu.Unlock()
	return h.AssocID
}

// SendHeartbeat builds the header for an outgoing heartbeat.
func (c *Connection) SendHeartbeat() *protocol.Heartbeat {
	return &protocol.Heartbeat{}
}

// RecvHeartbeat registers an inbound heartbeat.
func (c *Connection) RecvHeartbeat(h *protocol.Heartbeat) {}

// RecvAuthenticate extracts the token from an inbound authenticate command.
func (c *Connection) RecvAuthenticate(h *protocol.Authenticate) [protocol.TokenLen]byte {
	return h.Token
}

// RecvPacket registers an inbound packet fragment against an existing
// association. It returns false when the association is unknown; on the
// client side packets are only accepted for associations this end created.
func (c *Connection) RecvPacket(h *protocol.Packet) (*PacketRecv, bool) {
	c.mu.Lock()
	_, ok := c.assocs[h.AssocID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return &PacketRecv{conn: c, hdr: h}, true
}

// RecvPacketUnrestricted registers an inbound packet fragment, creating the
// association if this is the first traffic seen for it.
func (c *Connection) RecvPacketUnrestricted(h *protocol.Packet) *PacketRecv {
	c.mu.Lock()
	c.getAssocLocked(h.AssocID)
	c.mu.Unlock()
	return &PacketRecv{conn: c, hdr: h}
}

// TaskConnectCount returns the number of outstanding connect tasks.
func (c *Connection) TaskConnectCount() int {
	return int(c.connects.Load())
}

// TaskAssociateCount returns the number of active associations.
func (c *Connection) TaskAssociateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.assocs)
}

// CollectGarbage discards reassembly buffers older than maxAge and returns
// how many were dropped. Associations themselves survive; a later fragment
// starts from a fresh buffer. Entries still accumulating fragments within
// the bound are never touched.
func (c *Connection) CollectGarbage(maxAge time.Duration) int {
	now := time.Now()
	swept := 0

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, assoc := range c.assocs {
		for pktID, pp := range assoc.pending {
			if now.Sub(pp.createdAt) >= maxAge {
				delete(assoc.pending, pktID)
				swept++
			}
		}
	}

	return swept
}

// getAssocLocked returns the association, creating it if absent.
// Caller must hold c.mu.
func (c *Connection) getAssocLocked(assocID uint16) *association {
	assoc, ok := c.assocs[assocID]
	if !ok {
		assoc = &association{pending: make(map[uint16]*pendingPacket)}
		c.assocs[assocID] = assoc
	}
	return assoc
}

// ConnectSession is the counted state of one connect task. Closing it
// releases the count; Close is idempotent.
type ConnectSession struct {
	conn   *Connection
	addr   protocol.Address
	closed atomic.Bool
}

// Addr returns the target address of the connect task.
func (s *ConnectSession) Addr() protocol.Address {
	return s.addr
}

// Header builds the connect header for this session.
func (s *ConnectSession) Header() *protocol.Connect {
	return &protocol.Connect{Addr: s.addr}
}

// Close releases the task from the outstanding connect count.
func (s *ConnectSession) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.connects.Add(-1)
	}
}
