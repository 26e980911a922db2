package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tuic-go/tuic/internal/model"
	"github.com/tuic-go/tuic/internal/protocol"
)

var (
	// ErrFragmentedDatagram is returned when a fragmented UDP datagram is
	// received. SOCKS5-level fragmentation is not supported.
	ErrFragmentedDatagram = errors.New("fragmented datagrams not supported")

	// ErrUDPDisabled is returned when UDP relay is disabled.
	ErrUDPDisabled = errors.New("UDP relay is disabled")
)

// UDPSession carries datagrams for a single UDP ASSOCIATE through the
// tunnel. Datagrams handed to Send travel to their destination address;
// replies arrive on Recv until the session closes.
type UDPSession interface {
	Send(ctx context.Context, payload []byte, addr protocol.Address) error
	Recv() <-chan *model.Datagram
	Close() error
}

// UDPRelay opens UDP sessions on behalf of SOCKS5 clients.
type UDPRelay interface {
	Associate() (UDPSession, error)
}

// UDPAssociation bridges one SOCKS5 client's UDP traffic to a tunnel
// session. Created when a client sends UDP ASSOCIATE.
type UDPAssociation struct {
	// TCP control connection (lifetime tied to association)
	TCPConn net.Conn

	// Local UDP relay socket
	UDPConn *net.UDPConn

	sess UDPSession

	// Expected client address (from UDP ASSOCIATE request)
	ExpectedClientAddr *net.UDPAddr

	// Actual client address (first datagram received)
	ActualClientAddr *net.UDPAddr

	ctx    context.Context
	cancel context.CancelFunc

	closed atomic.Bool
	mu     sync.RWMutex
}

// NewUDPAssociation creates a new UDP association backed by sess.
func NewUDPAssociation(tcpConn net.Conn, sess UDPSession, bindIP net.IP) (*UDPAssociation, error) {
	ctx, cancel := context.WithCancel(context.Background())

	if bindIP == nil {
		// Force IPv4. A dual-stack socket reports [::] as its local
		// address, which SOCKS5 clients cannot send to.
		bindIP = net.IPv4zero
	}
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: 0})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create UDP socket: %w", err)
	}

	return &UDPAssociation{
		TCPConn: tcpConn,
		UDPConn: udpConn,
		sess:    sess,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// LocalAddr returns the local address of the UDP relay socket.
func (a *UDPAssociation) LocalAddr() *net.UDPAddr {
	return a.UDPConn.LocalAddr().(*net.UDPAddr)
}

// SetExpectedClientAddr sets the expected client address from UDP ASSOCIATE.
func (a *UDPAssociation) SetExpectedClientAddr(addr *net.UDPAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ExpectedClientAddr = addr
}

// Close terminates the association and releases resources.
func (a *UDPAssociation) Close() error {
	if a.closed.Swap(true) {
		return nil
	}

	a.cancel()
	a.UDPConn.Close()
	return a.sess.Close()
}

// IsClosed returns true if the association is closed.
func (a *UDPAssociation) IsClosed() bool {
	return a.closed.Load()
}

// ReadLoop reads datagrams from the SOCKS5 client and forwards them
// through the tunnel. Run in a goroutine.
func (a *UDPAssociation) ReadLoop() {
	buf := make([]byte, 65535)

	for {
		n, clientAddr, err := a.UDPConn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		// Learn the client address from the first datagram.
		a.mu.Lock()
		if a.ActualClientAddr == nil {
			a.ActualClientAddr = clientAddr
		}
		a.mu.Unlock()

		a.mu.RLock()
		expected := a.ExpectedClientAddr
		a.mu.RUnlock()

		if expected != nil && expected.IP != nil && !expected.IP.IsUnspecified() {
			if !clientAddr.IP.Equal(expected.IP) {
				// Ignore datagrams from unexpected sources.
				continue
			}
		}

		header, payload, err := ParseUDPHeader(buf[:n])
		if err != nil {
			continue
		}

		dest := header.TunnelAddress()
		if a.sess.Send(a.ctx, payload, dest) != nil && a.ctx.Err() != nil {
			return
		}
	}
}

// WriteLoop delivers tunnel replies back to the SOCKS5 client. Run in a
// goroutine; exits when the session's receive channel closes.
func (a *UDPAssociation) WriteLoop() {
	for dg := range a.sess.Recv() {
		a.WriteToClient(dg.Addr, dg.Payload)
	}
}

// WriteToClient sends one datagram back to the SOCKS5 client, wrapped
// with the SOCKS5 UDP header carrying the origin address.
func (a *UDPAssociation) WriteToClient(from protocol.Address, data []byte) error {
	if a.IsClosed() {
		return errors.New("association closed")
	}

	a.mu.RLock()
	clientAddr := a.ActualClientAddr
	a.mu.RUnlock()

	if clientAddr == nil {
		return errors.New("no client address")
	}

	header, err := BuildUDPHeader(from)
	if err != nil {
		return err
	}

	packet := make([]byte, len(header)+len(data))
	copy(packet, header)
	copy(packet[len(header):], data)

	_, err = a.UDPConn.WriteToUDP(packet, clientAddr)
	return err
}

// UDPHeader represents the SOCKS5 UDP request header.
// RFC 1928 Section 7.
type UDPHeader struct {
	Frag     byte   // Fragment number (0 = no fragmentation)
	AddrType byte   // Address type
	Address  net.IP // Destination IP (nil for domain)
	Domain   string // Destination domain (empty for IP)
	Port     uint16 // Destination port
}

// TunnelAddress converts the header's destination to a tunnel address.
func (h *UDPHeader) TunnelAddress() protocol.Address {
	if h.AddrType == AddrTypeDomain {
		// The wire length byte caps the domain at 255 bytes.
		a, _ := protocol.DomainAddress(h.Domain, h.Port)
		return a
	}
	return protocol.IPAddress(h.Address, h.Port)
}

// ParseUDPHeader parses a SOCKS5 UDP header from a datagram.
// Returns the header and the payload data.
//
// UDP Request Header:
// +----+------+------+----------+----------+----------+
// |RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
// +----+------+------+----------+----------+----------+
// | 2  |  1   |  1   | Variable |    2     | Variable |
// +----+------+------+----------+----------+----------+
func ParseUDPHeader(data []byte) (*UDPHeader, []byte, error) {
	if len(data) < 10 { // 2 (RSV) + 1 (FRAG) + 1 (ATYP) + 4 (IPv4) + 2 (PORT)
		return nil, nil, errors.New("datagram too short")
	}

	frag := data[2]
	if frag != 0 {
		return nil, nil, ErrFragmentedDatagram
	}

	header := &UDPHeader{
		Frag:     frag,
		AddrType: data[3],
	}

	offset := 4

	switch header.AddrType {
	case AddrTypeIPv4:
		if len(data) < offset+4+2 {
			return nil, nil, errors.New("datagram too short for IPv4")
		}
		header.Address = net.IP(data[offset : offset+4])
		offset += 4

	case AddrTypeDomain:
		if len(data) < offset+1 {
			return nil, nil, errors.New("datagram too short for domain length")
		}
		domainLen := int(data[offset])
		offset++
		if len(data) < offset+domainLen+2 {
			return nil, nil, errors.New("datagram too short for domain")
		}
		header.Domain = string(data[offset : offset+domainLen])
		offset += domainLen

	case AddrTypeIPv6:
		if len(data) < offset+16+2 {
			return nil, nil, errors.New("datagram too short for IPv6")
		}
		header.Address = net.IP(data[offset : offset+16])
		offset += 16

	default:
		return nil, nil, fmt.Errorf("unsupported address type: %d", header.AddrType)
	}

	header.Port = binary.BigEndian.Uint16(data[offset:])
	offset += 2

	return header, data[offset:], nil
}

// BuildUDPHeader creates a SOCKS5 UDP header for a tunnel address.
func BuildUDPHeader(from protocol.Address) ([]byte, error) {
	var addrType byte
	var addrBytes []byte

	switch from.Type {
	case protocol.AddrTypeDomain:
		if len(from.Domain) > 255 {
			return nil, fmt.Errorf("domain too long: %d bytes", len(from.Domain))
		}
		addrType = AddrTypeDomain
		addrBytes = make([]byte, 1+len(from.Domain))
		addrBytes[0] = byte(len(from.Domain))
		copy(addrBytes[1:], from.Domain)
	case protocol.AddrTypeIPv4:
		addrType = AddrTypeIPv4
		addrBytes = from.IP.To4()
	case protocol.AddrTypeIPv6:
		addrType = AddrTypeIPv6
		addrBytes = from.IP.To16()
	default:
		return nil, fmt.Errorf("unsupported origin address type: %d", from.Type)
	}

	// RSV(2) + FRAG(1) + ATYP(1) + ADDR(var) + PORT(2)
	header := make([]byte, 4+len(addrBytes)+2)
	header[3] = addrType
	copy(header[4:], addrBytes)
	binary.BigEndian.PutUint16(header[4+len(addrBytes):], from.Port)

	return header, nil
}
