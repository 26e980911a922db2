package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tuic-go/tuic/internal/metrics"
)

// SOCKS5 protocol constants per RFC 1928.
const (
	SOCKS5Version = 0x05
)

// Command types.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address types.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// Reply codes.
const (
	ReplySucceeded          = 0x00
	ReplyServerFailure      = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
	ReplyTTLExpired         = 0x06
	ReplyCmdNotSupported    = 0x07
	ReplyAddrNotSupported   = 0x08
)

// halfCloser is implemented by connections that support half-close
// (TCP, tunneled streams). It signals that one direction is done while
// keeping the other open.
type halfCloser interface {
	CloseWrite() error
}

// Request represents a SOCKS5 request.
type Request struct {
	Version  byte
	Command  byte
	AddrType byte
	DestAddr string
	DestPort uint16
	DestIP   net.IP
}

// Dialer makes outbound connections for CONNECT requests.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
	// DialContext dials with context support for cancellation.
	// Implementations should cancel the dial when ctx is done.
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DirectDialer connects directly to destinations, bypassing the tunnel.
type DirectDialer struct{}

// Dial makes a direct TCP connection.
func (d *DirectDialer) Dial(network, address string) (net.Conn, error) {
	return net.Dial(network, address)
}

// DialContext makes a direct TCP connection with context support.
func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

// Handler processes SOCKS5 connections.
type Handler struct {
	authenticators []Authenticator
	dialer         Dialer

	// UDP support
	udpRelay   UDPRelay
	udpBindIP  net.IP // IP to bind UDP relay sockets (inherited from the TCP listener)
	udpAssocMu sync.Mutex
	udpAssocs  map[*UDPAssociation]struct{}

	metrics *metrics.Metrics
}

// NewHandler creates a new SOCKS5 handler.
func NewHandler(auths []Authenticator, dialer Dialer) *Handler {
	if dialer == nil {
		dialer = &DirectDialer{}
	}
	if len(auths) == 0 {
		auths = []Authenticator{NoAuth{}}
	}
	return &Handler{
		authenticators: auths,
		dialer:         dialer,
		udpAssocs:      make(map[*UDPAssociation]struct{}),
		metrics:        metrics.Default(),
	}
}

// SetMetrics replaces the metrics sink.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// SetUDPRelay sets the relay backing UDP ASSOCIATE requests.
// Without one, UDP ASSOCIATE is refused.
func (h *Handler) SetUDPRelay(relay UDPRelay) {
	h.udpRelay = relay
}

// SetUDPBindIP sets the IP address for UDP relay sockets.
// This should match the SOCKS5 TCP listener's bind address.
func (h *Handler) SetUDPBindIP(ip net.IP) {
	h.udpBindIP = ip
}

// Handle processes a SOCKS5 connection.
func (h *Handler) Handle(conn net.Conn) error {
	_, err := h.authenticate(conn)
	if err != nil {
		h.metrics.RecordSOCKS5AuthFailure()
		return fmt.Errorf("authentication: %w", err)
	}

	req, err := h.readRequest(conn)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	switch req.Command {
	case CmdConnect:
		return h.handleConnect(conn, req)
	case CmdUDPAssociate:
		return h.handleUDPAssociate(conn, req)
	default:
		h.sendReply(conn, ReplyCmdNotSupported, nil, 0)
		return fmt.Errorf("unsupported command: %d", req.Command)
	}
}

// handleConnect handles CONNECT commands.
func (h *Handler) handleConnect(conn net.Conn, req *Request) error {
	targetAddr := net.JoinHostPort(req.DestAddr, strconv.Itoa(int(req.DestPort)))

	// Cancel the dial when the client disconnects mid-handshake.
	// Port scanners in particular give up long before a slow dial fails.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialDone := make(chan struct{})
	monitorExited := make(chan struct{})

	// After the handshake the client must not send data until we reply,
	// so any read returning means the client went away.
	go func() {
		defer close(monitorExited)
		buf := make([]byte, 1)
		for {
			select {
			case <-dialDone:
				return
			default:
			}
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			_, err := conn.Read(buf)
			select {
			case <-dialDone:
				return
			default:
			}
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				cancel()
				return
			}
			// Data before our reply is a protocol violation.
			cancel()
			return
		}
	}()

	dialStart := time.Now()
	target, err := h.dialer.DialContext(ctx, "tcp", targetAddr)
	close(dialDone)

	// Interrupt any in-flight Read so the monitor exits promptly.
	conn.SetReadDeadline(time.Now().Add(-time.Second))
	<-monitorExited
	conn.SetReadDeadline(time.Time{})

	if err != nil {
		if ctx.Err() == context.Canceled {
			return fmt.Errorf("client disconnected during dial to %s", targetAddr)
		}
		h.sendReplyForError(conn, err)
		return fmt.Errorf("dial %s: %w", targetAddr, err)
	}
	defer target.Close()

	h.metrics.RecordSOCKS5Latency(time.Since(dialStart).Seconds())

	// Tunneled connections report a synthetic local address; fall back to
	// a zero bind address when it is not a TCP one.
	if localAddr, ok := target.LocalAddr().(*net.TCPAddr); ok {
		h.sendReply(conn, ReplySucceeded, localAddr.IP, uint16(localAddr.Port))
	} else {
		h.sendReply(conn, ReplySucceeded, nil, 0)
	}

	// Relayed connections stay open indefinitely.
	conn.SetDeadline(time.Time{})
	target.SetDeadline(time.Time{})

	return relay(conn, target)
}

// handleUDPAssociate handles UDP ASSOCIATE commands (RFC 1928 Section 4).
// Creates a local UDP relay socket bridged to a tunnel association and
// keeps it alive for the lifetime of the TCP control connection.
func (h *Handler) handleUDPAssociate(conn net.Conn, req *Request) error {
	if h.udpRelay == nil {
		h.sendReply(conn, ReplyCmdNotSupported, nil, 0)
		return ErrUDPDisabled
	}

	// The client MAY announce the address it will send from, or 0.0.0.0:0.
	var expectedClient *net.UDPAddr
	if req.DestIP != nil && !req.DestIP.IsUnspecified() {
		expectedClient = &net.UDPAddr{
			IP:   req.DestIP,
			Port: int(req.DestPort),
		}
	}

	sess, err := h.udpRelay.Associate()
	if err != nil {
		h.sendReply(conn, ReplyServerFailure, nil, 0)
		return fmt.Errorf("open tunnel association: %w", err)
	}

	assoc, err := NewUDPAssociation(conn, sess, h.udpBindIP)
	if err != nil {
		sess.Close()
		h.sendReply(conn, ReplyServerFailure, nil, 0)
		return fmt.Errorf("create UDP association: %w", err)
	}
	if expectedClient != nil {
		assoc.SetExpectedClientAddr(expectedClient)
	}

	h.udpAssocMu.Lock()
	h.udpAssocs[assoc] = struct{}{}
	h.udpAssocMu.Unlock()

	// Reply with the IP the client already reached us on, not the
	// unspecified bind address it cannot send to.
	relayAddr := assoc.LocalAddr()
	var replyIP net.IP
	if tcpLocal, ok := conn.LocalAddr().(*net.TCPAddr); ok && !tcpLocal.IP.IsUnspecified() {
		replyIP = tcpLocal.IP
	} else {
		replyIP = net.IPv4(127, 0, 0, 1)
	}
	h.sendReply(conn, ReplySucceeded, replyIP, uint16(relayAddr.Port))

	conn.SetDeadline(time.Time{})

	go assoc.ReadLoop()
	go assoc.WriteLoop()

	// Per RFC 1928 the association terminates when the TCP connection
	// that carried the UDP ASSOCIATE request terminates.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}

	h.udpAssocMu.Lock()
	delete(h.udpAssocs, assoc)
	h.udpAssocMu.Unlock()

	assoc.Close()
	return nil
}

// authenticate performs the authentication handshake.
func (h *Handler) authenticate(conn net.Conn) (string, error) {
	// Read the greeting
	// +----+----------+----------+
	// |VER | NMETHODS | METHODS  |
	// +----+----------+----------+
	// | 1  |    1     | 1 to 255 |
	// +----+----------+----------+

	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", err
	}

	if header[0] != SOCKS5Version {
		return "", fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}

	numMethods := int(header[1])
	methods := make([]byte, numMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}

	var selectedAuth Authenticator
	for _, auth := range h.authenticators {
		for _, m := range methods {
			if m == auth.Method() {
				selectedAuth = auth
				break
			}
		}
		if selectedAuth != nil {
			break
		}
	}

	if selectedAuth == nil {
		conn.Write([]byte{SOCKS5Version, MethodNoAcceptable})
		return "", errors.New("no acceptable authentication method")
	}

	// Send method selection
	// +----+--------+
	// |VER | METHOD |
	// +----+--------+
	// | 1  |   1    |
	// +----+--------+
	if _, err := conn.Write([]byte{SOCKS5Version, selectedAuth.Method()}); err != nil {
		return "", err
	}

	return selectedAuth.Authenticate(conn)
}

// readRequest reads the SOCKS5 request.
func (h *Handler) readRequest(conn net.Conn) (*Request, error) {
	// +----+-----+-------+------+----------+----------+
	// |VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
	// +----+-----+-------+------+----------+----------+
	// | 1  |  1  | X'00' |  1   | Variable |    2     |
	// +----+-----+-------+------+----------+----------+

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}

	if header[0] != SOCKS5Version {
		return nil, fmt.Errorf("unsupported SOCKS version: %d", header[0])
	}

	req := &Request{
		Version:  header[0],
		Command:  header[1],
		AddrType: header[3],
	}

	switch req.AddrType {
	case AddrTypeIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return nil, err
		}
		req.DestIP = net.IP(addr)
		req.DestAddr = req.DestIP.String()

	case AddrTypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, err
		}
		domainLen := int(lenBuf[0])
		if domainLen == 0 {
			h.sendReply(conn, ReplyServerFailure, nil, 0)
			return nil, fmt.Errorf("invalid zero-length domain name")
		}
		domain := make([]byte, domainLen)
		if _, err := io.ReadFull(conn, domain); err != nil {
			return nil, err
		}
		req.DestAddr = string(domain)

	case AddrTypeIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return nil, err
		}
		req.DestIP = net.IP(addr)
		req.DestAddr = req.DestIP.String()

	default:
		h.sendReply(conn, ReplyAddrNotSupported, nil, 0)
		return nil, fmt.Errorf("unsupported address type: %d", req.AddrType)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, err
	}
	req.DestPort = binary.BigEndian.Uint16(portBuf)

	return req, nil
}

// sendReply sends a SOCKS5 reply.
func (h *Handler) sendReply(conn net.Conn, reply byte, bindIP net.IP, bindPort uint16) error {
	// +----+-----+-------+------+----------+----------+
	// |VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
	// +----+-----+-------+------+----------+----------+
	// | 1  |  1  | X'00' |  1   | Variable |    2     |
	// +----+-----+-------+------+----------+----------+

	var addrType byte
	var addrBytes []byte

	if ipv4 := bindIP.To4(); ipv4 != nil {
		addrType = AddrTypeIPv4
		addrBytes = ipv4
	} else if bindIP != nil {
		addrType = AddrTypeIPv6
		addrBytes = bindIP
	} else {
		addrType = AddrTypeIPv4
		addrBytes = make([]byte, 4) // 0.0.0.0
	}

	buf := make([]byte, 4+len(addrBytes)+2)
	buf[0] = SOCKS5Version
	buf[1] = reply
	buf[2] = 0x00 // RSV
	buf[3] = addrType
	copy(buf[4:], addrBytes)
	binary.BigEndian.PutUint16(buf[4+len(addrBytes):], bindPort)

	_, err := conn.Write(buf)
	return err
}

// sendReplyForError maps network errors to SOCKS5 reply codes.
func (h *Handler) sendReplyForError(conn net.Conn, err error) {
	reply := mapErrorToReply(err)
	h.sendReply(conn, reply, nil, 0)
}

// mapErrorToReply converts a network error to the appropriate SOCKS5 reply code.
func mapErrorToReply(err error) byte {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReplyHostUnreachable
	}

	if netErr, ok := err.(*net.OpError); ok {
		if netErr.Timeout() {
			return ReplyTTLExpired
		}
		if netErr.Op == "dial" {
			return ReplyHostUnreachable
		}
	}

	return ReplyServerFailure
}

// relay copies data bidirectionally between two connections.
// Half-close is propagated where the connection type supports it.
func relay(client, target net.Conn) error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(target, client)
		if hc, ok := target.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	go func() {
		_, err := io.Copy(client, target)
		if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh

	if err1 != nil {
		return err1
	}
	return err2
}
