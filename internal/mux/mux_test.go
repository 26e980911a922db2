package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/tuic-go/tuic/internal/protocol"
	"github.com/tuic-go/tuic/internal/transport"
)

func domainAddr(host string, port uint16) protocol.Address {
	a, _ := protocol.DomainAddress(host, port)
	return a
}

// ----------------------------------------------------------------------------
// In-memory transport doubles
// ----------------------------------------------------------------------------

type fakeSendStream struct {
	buf      bytes.Buffer
	closed   bool
	canceled bool
}

func (s *fakeSendStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("write on closed stream")
	}
	return s.buf.Write(p)
}

func (s *fakeSendStream) Close() error                     { s.closed = true; return nil }
func (s *fakeSendStream) CancelWrite(uint64)               { s.canceled = true }
func (s *fakeSendStream) SetWriteDeadline(time.Time) error { return nil }

type fakeRecvStream struct {
	r        io.Reader
	canceled bool
}

func (s *fakeRecvStream) Read(p []byte) (int, error)      { return s.r.Read(p) }
func (s *fakeRecvStream) CancelRead(uint64)               { s.canceled = true }
func (s *fakeRecvStream) SetReadDeadline(time.Time) error { return nil }

type fakeStream struct {
	r           io.Reader
	w           bytes.Buffer
	writeClosed bool
	readCancel  bool
	writeCancel bool
}

func (s *fakeStream) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, io.EOF
	}
	return s.r.Read(p)
}

func (s *fakeStream) Write(p []byte) (int, error) {
	if s.writeClosed {
		return 0, fmt.Errorf("write on closed stream")
	}
	return s.w.Write(p)
}

func (s *fakeStream) Close() error                     { s.writeClosed = true; return nil }
func (s *fakeStream) CancelRead(uint64)                { s.readCancel = true }
func (s *fakeStream) CancelWrite(uint64)               { s.writeCancel = true }
func (s *fakeStream) SetDeadline(time.Time) error      { return nil }
func (s *fakeStream) SetReadDeadline(time.Time) error  { return nil }
func (s *fakeStream) SetWriteDeadline(time.Time) error { return nil }

// fakeConn records everything sent through it.
type fakeConn struct {
	mtu        int
	datagrams  [][]byte
	uniStreams []*fakeSendStream
	streams    []*fakeStream
}

func (c *fakeConn) OpenStream(context.Context) (transport.Stream, error) {
	s := &fakeStream{}
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeConn) OpenUniStream(context.Context) (transport.SendStream, error) {
	s := &fakeSendStream{}
	c.uniStreams = append(c.uniStreams, s)
	return s, nil
}

func (c *fakeConn) AcceptStream(context.Context) (transport.Stream, error) {
	return nil, fmt.Errorf("not driven by tests")
}

func (c *fakeConn) AcceptUniStream(context.Context) (transport.ReceiveStream, error) {
	return nil, fmt.Errorf("not driven by tests")
}

func (c *fakeConn) SendDatagram(payload []byte) error {
	if c.mtu == 0 {
		return fmt.Errorf("datagrams disabled")
	}
	c.datagrams = append(c.datagrams, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) ReceiveDatagram(context.Context) ([]byte, error) {
	return nil, fmt.Errorf("not driven by tests")
}

func (c *fakeConn) MaxDatagramSize() int { return c.mtu }
func (c *fakeConn) Close() error         { return nil }
func (c *fakeConn) LocalAddr() net.Addr  { return &net.UDPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr { return &net.UDPAddr{} }

func uniFrom(b []byte) *fakeRecvStream { return &fakeRecvStream{r: bytes.NewReader(b)} }
func biFrom(b []byte) *fakeStream      { return &fakeStream{r: bytes.NewReader(b)} }

// ----------------------------------------------------------------------------
// Dispatch legality
// ----------------------------------------------------------------------------

// knownAssocID is pre-registered on the client under test so that packet
// commands pass the association check on both roles.
const knownAssocID uint16 = 1

func packetHeader() *protocol.Packet {
	return &protocol.Packet{
		AssocID:   knownAssocID,
		PktID:     0,
		FragTotal: 1,
		FragID:    0,
		Size:      0,
		Addr:      domainAddr("example.com", 443),
	}
}

func newTestClient() *Client {
	c := NewClient(&fakeConn{mtu: 1200})
	// Register the association the way a caller would: by sending on it.
	if err := c.PacketNative(nil, domainAddr("example.com", 443), knownAssocID); err != nil {
		panic(err)
	}
	return c
}

func TestDispatchLegality(t *testing.T) {
	headers := map[string]protocol.Header{
		"authenticate": &protocol.Authenticate{},
		"connect":      &protocol.Connect{Addr: domainAddr("example.com", 443)},
		"packet":       packetHeader(),
		"dissociate":   &protocol.Dissociate{AssocID: knownAssocID},
		"heartbeat":    &protocol.Heartbeat{},
	}

	// accepted[channel][command] lists the roles that accept the triple.
	accepted := map[Channel]map[string][]string{
		ChannelUniStream: {
			"authenticate": {"server"},
			"connect":      {},
			"packet":       {"client", "server"},
			"dissociate":   {"server"},
			"heartbeat":    {},
		},
		ChannelBiStream: {
			"authenticate": {},
			"connect":      {"server"},
			"packet":       {},
			"dissociate":   {},
			"heartbeat":    {},
		},
		ChannelDatagram: {
			"authenticate": {},
			"connect":      {},
			"packet":       {"client", "server"},
			"dissociate":   {},
			"heartbeat":    {"server"},
		},
	}

	for channel, commands := range accepted {
		for command, roles := range commands {
			for _, role := range []string{"client", "server"} {
				name := fmt.Sprintf("%s/%s/%s", channel, command, role)
				t.Run(name, func(t *testing.T) {
					raw := headers[command].Marshal()

					var task Task
					var err error
					if role == "client" {
						c := newTestClient()
						switch channel {
						case ChannelUniStream:
							task, err = c.AcceptUniStream(uniFrom(raw))
						case ChannelBiStream:
							task, err = c.AcceptStream(biFrom(raw))
						case ChannelDatagram:
							task, err = c.AcceptDatagram(raw)
						}
					} else {
						s := NewServer(&fakeConn{mtu: 1200})
						switch channel {
						case ChannelUniStream:
							task, err = s.AcceptUniStream(uniFrom(raw))
						case ChannelBiStream:
							task, err = s.AcceptStream(biFrom(raw))
						case ChannelDatagram:
							task, err = s.AcceptDatagram(raw)
						}
					}

					legal := false
					for _, r := range roles {
						if r == role {
							legal = true
						}
					}

					if legal {
						if err != nil {
							t.Fatalf("legal triple rejected: %v", err)
						}
						if task == nil {
							t.Fatal("legal triple produced no task")
						}
						return
					}

					if err == nil {
						t.Fatalf("illegal triple accepted: %T", task)
					}

					var bad *BadCommandError
					if !errors.As(err, &bad) {
						t.Fatalf("err = %v, want BadCommandError", err)
					}
					if bad.Command.String() != command {
						t.Errorf("error names command %q, want %q", bad.Command, command)
					}
					if bad.Channel != channel {
						t.Errorf("error names channel %s, want %s", bad.Channel, channel)
					}

					// The original channel must come back for disposal.
					switch channel {
					case ChannelUniStream:
						if bad.Recv == nil {
							t.Error("uni stream not attached to error")
						}
					case ChannelBiStream:
						if bad.Stream == nil {
							t.Error("bi stream not attached to error")
						}
					case ChannelDatagram:
						if !bytes.Equal(bad.Datagram, raw) {
							t.Error("datagram bytes not attached to error")
						}
					}
				})
			}
		}
	}
}

func TestHeaderErrorAttachesChannel(t *testing.T) {
	garbage := []byte{0x00, 0x00, 0x00}

	s := NewServer(&fakeConn{mtu: 1200})

	if _, err := s.AcceptDatagram(garbage); err != nil {
		var he *HeaderError
		if !errors.As(err, &he) {
			t.Fatalf("err = %v, want HeaderError", err)
		}
		if !bytes.Equal(he.Datagram, garbage) {
			t.Error("original datagram not attached")
		}
		if he.Channel != ChannelDatagram {
			t.Errorf("channel = %s", he.Channel)
		}
	} else {
		t.Fatal("garbage datagram accepted")
	}

	recv := uniFrom(garbage)
	if _, err := s.AcceptUniStream(recv); err != nil {
		var he *HeaderError
		if !errors.As(err, &he) {
			t.Fatalf("err = %v, want HeaderError", err)
		}
		if he.Recv == nil {
			t.Error("original stream not attached")
		}
	} else {
		t.Fatal("garbage stream accepted")
	}
}

// ----------------------------------------------------------------------------
// Outbound paths
// ----------------------------------------------------------------------------

func TestConnectRoundTrip(t *testing.T) {
	tr := &fakeConn{mtu: 1200}
	client := NewClient(tr)

	addr, err := protocol.ParseAddress("example.com:443")
	if err != nil {
		t.Fatal(err)
	}

	cc, err := client.Connect(context.Background(), addr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if cc.Addr().String() != "example.com:443" {
		t.Errorf("client session addr = %s", cc.Addr())
	}
	if got := client.TaskConnectCount(); got != 1 {
		t.Errorf("client connect count = %d, want 1", got)
	}

	// The header plus any optimistic data land on the server's stream.
	if _, err := cc.Write([]byte("GET /")); err != nil {
		t.Fatalf("optimistic write: %v", err)
	}

	server := NewServer(&fakeConn{mtu: 1200})
	task, err := server.AcceptStream(biFrom(tr.streams[0].w.Bytes()))
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}

	tc, ok := task.(TaskConnect)
	if !ok {
		t.Fatalf("task = %T, want TaskConnect", task)
	}
	if tc.Conn.Addr().String() != "example.com:443" {
		t.Errorf("server session addr = %s", tc.Conn.Addr())
	}
	if got := server.TaskConnectCount(); got != 1 {
		t.Errorf("server connect count = %d, want 1", got)
	}

	// The optimistic bytes follow the header on the same channel.
	data, err := io.ReadAll(tc.Conn)
	if err != nil {
		t.Fatalf("read session: %v", err)
	}
	if string(data) != "GET /" {
		t.Errorf("session data = %q", data)
	}

	if err := tc.Conn.Close(); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if got := server.TaskConnectCount(); got != 0 {
		t.Errorf("server connect count after close = %d", got)
	}
}

func TestPacketNativeRoundTrip(t *testing.T) {
	tr := &fakeConn{mtu: 1200}
	client := NewClient(tr)

	addr := domainAddr("dns.example", 53)
	if err := client.PacketNative([]byte("hello"), addr, 7); err != nil {
		t.Fatalf("PacketNative: %v", err)
	}
	if len(tr.datagrams) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(tr.datagrams))
	}

	server := NewServer(&fakeConn{mtu: 1200})
	task, err := server.AcceptDatagram(tr.datagrams[0])
	if err != nil {
		t.Fatalf("AcceptDatagram: %v", err)
	}

	tp, ok := task.(TaskPacket)
	if !ok {
		t.Fatalf("task = %T, want TaskPacket", task)
	}

	dg, err := tp.Packet.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if dg == nil {
		t.Fatal("single-fragment datagram did not complete")
	}
	if string(dg.Payload) != "hello" {
		t.Errorf("payload = %q", dg.Payload)
	}
	if dg.Addr.String() != "dns.example:53" {
		t.Errorf("addr = %s", dg.Addr)
	}
	if dg.AssocID != 7 {
		t.Errorf("assoc id = %d", dg.AssocID)
	}
	if got := server.TaskAssociateCount(); got != 1 {
		t.Errorf("server associate count = %d", got)
	}
}

func TestPacketNativeUnsupported(t *testing.T) {
	client := NewClient(&fakeConn{mtu: 0})

	err := client.PacketNative([]byte("x"), domainAddr("a.example", 1), 1)
	if !errors.Is(err, ErrDatagramUnsupported) {
		t.Errorf("PacketNative err = %v, want ErrDatagramUnsupported", err)
	}
	if err := client.Heartbeat(); !errors.Is(err, ErrDatagramUnsupported) {
		t.Errorf("Heartbeat err = %v, want ErrDatagramUnsupported", err)
	}
}

func TestPacketQUICRoundTrip(t *testing.T) {
	tr := &fakeConn{mtu: 1200}
	client := NewClient(tr)

	payload := bytes.Repeat([]byte("abcdefgh"), 12000) // 96000 bytes, two fragments
	addr := domainAddr("dns.example", 53)

	if err := client.PacketQUIC(context.Background(), payload, addr, 3); err != nil {
		t.Fatalf("PacketQUIC: %v", err)
	}
	if len(tr.uniStreams) != 2 {
		t.Fatalf("opened %d uni streams, want 2", len(tr.uniStreams))
	}

	server := NewServer(&fakeConn{mtu: 1200})
	var result []byte
	for i, s := range tr.uniStreams {
		if !s.closed {
			t.Errorf("fragment stream %d left open", i)
		}

		task, err := server.AcceptUniStream(uniFrom(s.buf.Bytes()))
		if err != nil {
			t.Fatalf("AcceptUniStream fragment %d: %v", i, err)
		}
		tp, ok := task.(TaskPacket)
		if !ok {
			t.Fatalf("task = %T", task)
		}

		dg, err := tp.Packet.Accept()
		if err != nil {
			t.Fatalf("Accept fragment %d: %v", i, err)
		}
		if i < len(tr.uniStreams)-1 {
			if dg != nil {
				t.Fatalf("fragment %d completed early", i)
			}
			continue
		}
		if dg == nil {
			t.Fatal("final fragment did not complete")
		}
		result = dg.Payload
	}

	if !bytes.Equal(result, payload) {
		t.Error("reassembled payload differs from original")
	}
}

func TestAuthenticateAndDissociateStreams(t *testing.T) {
	tr := &fakeConn{mtu: 1200}
	client := NewClient(tr)

	var token [protocol.TokenLen]byte
	copy(token[:], "0123456789abcdef0123456789abcdef")

	if err := client.Authenticate(context.Background(), token); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := client.Dissociate(context.Background(), 9); err != nil {
		t.Fatalf("Dissociate: %v", err)
	}
	if len(tr.uniStreams) != 2 {
		t.Fatalf("opened %d uni streams, want 2", len(tr.uniStreams))
	}
	for i, s := range tr.uniStreams {
		if !s.closed {
			t.Errorf("stream %d left open after flush", i)
		}
	}

	server := NewServer(&fakeConn{mtu: 1200})

	task, err := server.AcceptUniStream(uniFrom(tr.uniStreams[0].buf.Bytes()))
	if err != nil {
		t.Fatalf("accept authenticate: %v", err)
	}
	ta, ok := task.(TaskAuthenticate)
	if !ok {
		t.Fatalf("task = %T, want TaskAuthenticate", task)
	}
	if ta.Token != token {
		t.Error("token mismatch")
	}

	task, err = server.AcceptUniStream(uniFrom(tr.uniStreams[1].buf.Bytes()))
	if err != nil {
		t.Fatalf("accept dissociate: %v", err)
	}
	td, ok := task.(TaskDissociate)
	if !ok {
		t.Fatalf("task = %T, want TaskDissociate", task)
	}
	if td.AssocID != 9 {
		t.Errorf("assoc id = %d, want 9", td.AssocID)
	}
}

// ----------------------------------------------------------------------------
// Packet acceptance edge cases
// ----------------------------------------------------------------------------

func TestAcceptDatagramPayloadLengthMismatch(t *testing.T) {
	hdr := &protocol.Packet{
		AssocID:   1,
		FragTotal: 1,
		FragID:    0,
		Size:      100, // larger than the bytes that follow
		Addr:      domainAddr("a.example", 1),
	}
	dg := append(hdr.Marshal(), []byte("short")...)

	server := NewServer(&fakeConn{mtu: 1200})
	_, err := server.AcceptDatagram(dg)

	var ple *PayloadLengthError
	if !errors.As(err, &ple) {
		t.Fatalf("err = %v, want PayloadLengthError", err)
	}
	if ple.Declared != 100 || ple.Got != 5 {
		t.Errorf("error = %v", ple)
	}
}

func TestPacketStreamSourceReadsDeclaredLength(t *testing.T) {
	hdr := &protocol.Packet{
		AssocID:   1,
		FragTotal: 1,
		FragID:    0,
		Size:      5,
		Addr:      domainAddr("a.example", 1),
	}
	// Trailing bytes past the declared size must stay unread.
	raw := append(hdr.Marshal(), []byte("helloTRAILING")...)
	recv := uniFrom(raw)

	server := NewServer(&fakeConn{mtu: 1200})
	task, err := server.AcceptUniStream(recv)
	if err != nil {
		t.Fatalf("AcceptUniStream: %v", err)
	}

	dg, err := task.(TaskPacket).Packet.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if string(dg.Payload) != "hello" {
		t.Errorf("payload = %q", dg.Payload)
	}

	rest, _ := io.ReadAll(recv)
	if string(rest) != "TRAILING" {
		t.Errorf("stream over-read; remaining = %q", rest)
	}
}

func TestPacketStreamSourceEarlyClose(t *testing.T) {
	hdr := &protocol.Packet{
		AssocID:   1,
		FragTotal: 1,
		FragID:    0,
		Size:      100,
		Addr:      domainAddr("a.example", 1),
	}
	raw := append(hdr.Marshal(), []byte("only a little")...)

	server := NewServer(&fakeConn{mtu: 1200})
	task, err := server.AcceptUniStream(uniFrom(raw))
	if err != nil {
		t.Fatalf("AcceptUniStream: %v", err)
	}

	dg, err := task.(TaskPacket).Packet.Accept()
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Accept err = %v, want unexpected EOF", err)
	}
	if dg != nil {
		t.Error("partial read produced a datagram")
	}
}

func TestPacketConsumedOnce(t *testing.T) {
	tr := &fakeConn{mtu: 1200}
	client := NewClient(tr)
	if err := client.PacketNative([]byte("x"), domainAddr("a.example", 1), 2); err != nil {
		t.Fatal(err)
	}

	server := NewServer(&fakeConn{mtu: 1200})
	task, err := server.AcceptDatagram(tr.datagrams[0])
	if err != nil {
		t.Fatal(err)
	}

	pkt := task.(TaskPacket).Packet
	if _, err := pkt.Accept(); err != nil {
		t.Fatalf("first Accept: %v", err)
	}
	if _, err := pkt.Accept(); !errors.Is(err, ErrPacketConsumed) {
		t.Errorf("second Accept err = %v, want ErrPacketConsumed", err)
	}
}

func TestPacketDiscardReleasesStream(t *testing.T) {
	hdr := &protocol.Packet{
		AssocID:   1,
		FragTotal: 1,
		FragID:    0,
		Size:      5,
		Addr:      domainAddr("a.example", 1),
	}
	recv := uniFrom(append(hdr.Marshal(), []byte("hello")...))

	server := NewServer(&fakeConn{mtu: 1200})
	task, err := server.AcceptUniStream(recv)
	if err != nil {
		t.Fatal(err)
	}

	pkt := task.(TaskPacket).Packet
	pkt.Discard()
	if !recv.canceled {
		t.Error("Discard did not cancel the pending stream read")
	}
	if _, err := pkt.Accept(); !errors.Is(err, ErrPacketConsumed) {
		t.Errorf("Accept after Discard err = %v", err)
	}
}

func TestClientRejectsUnknownAssociation(t *testing.T) {
	client := NewClient(&fakeConn{mtu: 1200})

	hdr := &protocol.Packet{
		AssocID:   42,
		FragTotal: 1,
		FragID:    0,
		Size:      0,
		Addr:      domainAddr("a.example", 1),
	}

	_, err := client.AcceptDatagram(hdr.Marshal())
	var ae *AssociationError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want AssociationError", err)
	}
	if ae.AssocID != 42 {
		t.Errorf("assoc id = %d", ae.AssocID)
	}
}
