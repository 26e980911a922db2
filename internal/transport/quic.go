package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPNProtocol is the ALPN identifier negotiated on every connection.
const ALPNProtocol = "tuic"

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout     = 60 * time.Second
	DefaultKeepAlivePeriod    = 30 * time.Second
	DefaultMaxIncomingStreams = 10000

	// DefaultDatagramMTU is a conservative bound below the smallest QUIC
	// datagram frame capacity seen on common path MTUs.
	DefaultDatagramMTU = 1200
)

// QUICConn adapts a quic-go connection to Conn.
type QUICConn struct {
	conn quic.Connection
	mtu  int
}

// NewQUICConn wraps an established quic-go connection. datagramMTU bounds
// outgoing datagrams; zero or negative selects DefaultDatagramMTU.
func NewQUICConn(conn quic.Connection, datagramMTU int) *QUICConn {
	if datagramMTU <= 0 {
		datagramMTU = DefaultDatagramMTU
	}
	return &QUICConn{conn: conn, mtu: datagramMTU}
}

// OpenStream opens a bidirectional QUIC stream.
func (c *QUICConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &quicStream{s}, nil
}

// OpenUniStream opens a unidirectional QUIC stream.
func (c *QUICConn) OpenUniStream(ctx context.Context) (SendStream, error) {
	s, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open uni stream: %w", err)
	}
	return &quicSendStream{s}, nil
}

// AcceptStream waits for a peer-opened bidirectional stream.
func (c *QUICConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{s}, nil
}

// AcceptUniStream waits for a peer-opened unidirectional stream.
func (c *QUICConn) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	s, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicReceiveStream{s}, nil
}

// SendDatagram sends one QUIC DATAGRAM frame.
func (c *QUICConn) SendDatagram(payload []byte) error {
	return c.conn.SendDatagram(payload)
}

// ReceiveDatagram waits for one inbound QUIC DATAGRAM frame.
func (c *QUICConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.conn.ReceiveDatagram(ctx)
}

// MaxDatagramSize returns the configured datagram bound, or 0 when the
// peer did not negotiate datagram support.
func (c *QUICConn) MaxDatagramSize() int {
	if !c.conn.ConnectionState().SupportsDatagrams {
		return 0
	}
	return c.mtu
}

// Close terminates the QUIC connection.
func (c *QUICConn) Close() error {
	return c.conn.CloseWithError(0, "closed")
}

// LocalAddr returns the local address.
func (c *QUICConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote address.
func (c *QUICConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// TLSState returns the TLS connection state of the session.
func (c *QUICConn) TLSState() tls.ConnectionState {
	return c.conn.ConnectionState().TLS
}

type quicStream struct {
	s quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error)       { return s.s.Read(p) }
func (s *quicStream) Write(p []byte) (int, error)      { return s.s.Write(p) }
func (s *quicStream) Close() error                     { return s.s.Close() }
func (s *quicStream) CancelRead(code uint64)           { s.s.CancelRead(quic.StreamErrorCode(code)) }
func (s *quicStream) CancelWrite(code uint64)          { s.s.CancelWrite(quic.StreamErrorCode(code)) }
func (s *quicStream) SetDeadline(t time.Time) error    { return s.s.SetDeadline(t) }
func (s *quicStream) SetReadDeadline(t time.Time) error  { return s.s.SetReadDeadline(t) }
func (s *quicStream) SetWriteDeadline(t time.Time) error { return s.s.SetWriteDeadline(t) }

type quicSendStream struct {
	s quic.SendStream
}

func (s *quicSendStream) Write(p []byte) (int, error)      { return s.s.Write(p) }
func (s *quicSendStream) Close() error                     { return s.s.Close() }
func (s *quicSendStream) CancelWrite(code uint64)          { s.s.CancelWrite(quic.StreamErrorCode(code)) }
func (s *quicSendStream) SetWriteDeadline(t time.Time) error { return s.s.SetWriteDeadline(t) }

type quicReceiveStream struct {
	s quic.ReceiveStream
}

func (s *quicReceiveStream) Read(p []byte) (int, error)     { return s.s.Read(p) }
func (s *quicReceiveStream) CancelRead(code uint64)         { s.s.CancelRead(quic.StreamErrorCode(code)) }
func (s *quicReceiveStream) SetReadDeadline(t time.Time) error { return s.s.SetReadDeadline(t) }

// DialOptions configures Dial.
type DialOptions struct {
	// TLSConfig is required; its ALPN list defaults to ALPNProtocol.
	TLSConfig *tls.Config

	// DatagramMTU bounds outgoing datagrams (0 = DefaultDatagramMTU).
	DatagramMTU int

	// MaxIdleTimeout, KeepAlivePeriod tune the QUIC session. Zero values
	// select the package defaults.
	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration
}

// Dial establishes a QUIC connection to addr.
func Dial(ctx context.Context, addr string, opts DialOptions) (*QUICConn, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required")
	}

	tlsConf := opts.TLSConfig
	if len(tlsConf.NextProtos) == 0 {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{ALPNProtocol}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig(opts.MaxIdleTimeout, opts.KeepAlivePeriod))
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	return NewQUICConn(conn, opts.DatagramMTU), nil
}

// Listener accepts inbound QUIC connections.
type Listener struct {
	listener    *quic.Listener
	datagramMTU int
}

// ListenOptions configures Listen.
type ListenOptions struct {
	// TLSConfig is required; its ALPN list defaults to ALPNProtocol.
	TLSConfig *tls.Config

	// DatagramMTU bounds outgoing datagrams (0 = DefaultDatagramMTU).
	DatagramMTU int

	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration
}

// Listen creates a QUIC listener on addr.
func Listen(addr string, opts ListenOptions) (*Listener, error) {
	if opts.TLSConfig == nil {
		return nil, fmt.Errorf("TLS config required")
	}

	tlsConf := opts.TLSConfig
	if len(tlsConf.NextProtos) == 0 {
		tlsConf = tlsConf.Clone()
		tlsConf.NextProtos = []string{ALPNProtocol}
	}

	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig(opts.MaxIdleTimeout, opts.KeepAlivePeriod))
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}

	return &Listener{listener: listener, datagramMTU: opts.DatagramMTU}, nil
}

// Accept waits for the next inbound connection.
func (l *Listener) Accept(ctx context.Context) (*QUICConn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return NewQUICConn(conn, l.datagramMTU), nil
}

// Addr returns the listener's address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *Listener) Close() error {
	return l.listener.Close()
}

func quicConfig(idle, keepAlive time.Duration) *quic.Config {
	if idle <= 0 {
		idle = DefaultMaxIdleTimeout
	}
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlivePeriod
	}
	return &quic.Config{
		MaxIdleTimeout:        idle,
		KeepAlivePeriod:       keepAlive,
		MaxIncomingStreams:    DefaultMaxIncomingStreams,
		MaxIncomingUniStreams: DefaultMaxIncomingStreams,
		EnableDatagrams:       true,
	}
}
