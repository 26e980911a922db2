// Package transport abstracts the three QUIC channel kinds the protocol
// multiplexes over: unreliable datagrams, unidirectional streams and
// bidirectional streams.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport closed")

// SendStream is the write half of an ordered, reliable channel. Close
// flushes and signals end-of-stream to the peer.
type SendStream interface {
	io.Writer
	io.Closer

	// CancelWrite aborts the stream abruptly with an error code.
	CancelWrite(code uint64)

	// SetWriteDeadline sets the write deadline.
	SetWriteDeadline(t time.Time) error
}

// ReceiveStream is the read half of an ordered, reliable channel.
type ReceiveStream interface {
	io.Reader

	// CancelRead discards the rest of the stream with an error code.
	CancelRead(code uint64)

	// SetReadDeadline sets the read deadline.
	SetReadDeadline(t time.Time) error
}

// Stream is a bidirectional channel: both halves of one relayed session.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	CancelRead(code uint64)
	CancelWrite(code uint64)

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Conn is one multiplexed transport connection. Opening channels and
// sending datagrams may be done concurrently; the accept methods hand over
// channels the peer opened and are normally driven by a single loop per
// kind.
type Conn interface {
	// OpenStream opens a bidirectional channel.
	OpenStream(ctx context.Context) (Stream, error)

	// OpenUniStream opens a write-only unidirectional channel.
	OpenUniStream(ctx context.Context) (SendStream, error)

	// AcceptStream waits for a peer-opened bidirectional channel.
	AcceptStream(ctx context.Context) (Stream, error)

	// AcceptUniStream waits for a peer-opened unidirectional channel.
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)

	// SendDatagram sends one unreliable datagram.
	SendDatagram(payload []byte) error

	// ReceiveDatagram waits for one inbound unreliable datagram.
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	// MaxDatagramSize returns the largest datagram SendDatagram accepts,
	// or 0 when the connection does not support datagrams.
	MaxDatagramSize() int

	// Close terminates the connection and every channel on it.
	Close() error

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote address.
	RemoteAddr() net.Addr
}
