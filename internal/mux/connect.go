package mux

import (
	"time"

	"github.com/tuic-go/tuic/internal/model"
	"github.com/tuic-go/tuic/internal/protocol"
	"github.com/tuic-go/tuic/internal/transport"
)

// Connect is one relayed TCP-style session: a duplex byte stream over a
// bidirectional channel, carrying the target address it was opened for.
// It exclusively owns both channel halves. Closing the write half signals
// end-of-session to the peer independently of the read half.
type Connect struct {
	sess   *model.ConnectSession
	stream transport.Stream
}

func newConnect(sess *model.ConnectSession, stream transport.Stream) *Connect {
	return &Connect{sess: sess, stream: stream}
}

// Addr returns the session's target address. On the initiating side it is
// the address the caller supplied; on the accepting side, the one decoded
// from the connect header.
func (c *Connect) Addr() protocol.Address {
	return c.sess.Addr()
}

// Read reads relayed bytes from the peer.
func (c *Connect) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

// Write sends relayed bytes to the peer.
func (c *Connect) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

// CloseWrite half-closes the session: the peer observes end-of-stream but
// may keep sending.
func (c *Connect) CloseWrite() error {
	return c.stream.Close()
}

// Close ends the session in both directions and releases it from the
// outstanding connect count.
func (c *Connect) Close() error {
	c.sess.Close()
	c.stream.CancelRead(0)
	return c.stream.Close()
}

// SetDeadline sets both read and write deadlines.
func (c *Connect) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *Connect) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *Connect) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}
