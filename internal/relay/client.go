package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tuic-go/tuic/internal/health"
	"github.com/tuic-go/tuic/internal/logging"
	"github.com/tuic-go/tuic/internal/metrics"
	"github.com/tuic-go/tuic/internal/model"
	"github.com/tuic-go/tuic/internal/mux"
	"github.com/tuic-go/tuic/internal/protocol"
	"github.com/tuic-go/tuic/internal/transport"
)

// UDP relay modes.
const (
	ModeNative = "native"
	ModeQUIC   = "quic"
)

// assocBuffer is the per-association receive queue depth. Datagrams
// arriving while the queue is full are dropped, matching UDP semantics.
const assocBuffer = 64

// ClientConfig configures the client runtime.
type ClientConfig struct {
	// Server is the relay server address (host:port).
	Server string

	// UUID and Password identify the user; the authentication token is
	// derived from them.
	UUID     string
	Password string

	// UDPRelayMode selects how packets travel: ModeNative (datagrams) or
	// ModeQUIC (per-fragment streams).
	UDPRelayMode string

	// Heartbeat is the liveness probe interval.
	Heartbeat time.Duration

	// GCInterval and GCLifetime drive reassembly garbage collection.
	GCInterval time.Duration
	GCLifetime time.Duration

	// DatagramMTU bounds outgoing datagrams.
	DatagramMTU int

	// TLSConfig is the TLS client configuration.
	TLSConfig *tls.Config

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Client is the client-side relay runtime. It owns one tunnel connection,
// authenticates it, runs the accept and housekeeping loops, and exposes
// Dial and Associate to local ingress servers.
type Client struct {
	cfg     ClientConfig
	log     *slog.Logger
	metrics *metrics.Metrics

	conn *transport.QUICConn
	mux  *mux.Client

	mu        sync.Mutex
	assocs    map[uint16]*Association
	nextAssoc uint16

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewClient creates a client runtime. Start must be called before use.
func NewClient(cfg ClientConfig) *Client {
	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	if cfg.UDPRelayMode == "" {
		cfg.UDPRelayMode = ModeNative
	}

	return &Client{
		cfg:     cfg,
		log:     log.With(logging.KeyComponent, "relay-client"),
		metrics: m,
		assocs:  make(map[uint16]*Association),
	}
}

// Start dials the server, authenticates, and launches the runtime loops.
func (c *Client) Start(ctx context.Context) error {
	if c.running.Load() {
		return fmt.Errorf("client already started")
	}

	conn, err := transport.Dial(ctx, c.cfg.Server, transport.DialOptions{
		TLSConfig:   c.cfg.TLSConfig,
		DatagramMTU: c.cfg.DatagramMTU,
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Server, err)
	}

	c.conn = conn
	c.mux = mux.NewClient(conn)

	token := DeriveToken(c.cfg.UUID, c.cfg.Password)
	if err := c.mux.Authenticate(ctx, token); err != nil {
		conn.Close()
		return fmt.Errorf("authenticate: %w", err)
	}

	c.metrics.RecordConnect()
	c.log.Info("connected",
		logging.KeyRemoteAddr, conn.RemoteAddr().String())

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running.Store(true)

	c.wg.Add(5)
	go c.heartbeatLoop(loopCtx)
	go c.gcLoop(loopCtx)
	go c.acceptUniLoop(loopCtx)
	go c.acceptDatagramLoop(loopCtx)
	go c.acceptStreamLoop(loopCtx)

	return nil
}

// Stop tears down the connection and waits for the loops to exit.
func (c *Client) Stop() error {
	if !c.running.Swap(false) {
		return nil
	}

	c.cancel()
	err := c.conn.Close()
	c.wg.Wait()

	c.metrics.RecordDisconnect("shutdown")
	c.log.Info("disconnected")
	return err
}

// IsRunning reports whether the runtime is started.
func (c *Client) IsRunning() bool {
	return c.running.Load()
}

// Stats implements health.StatsProvider.
func (c *Client) Stats() health.Stats {
	s := health.Stats{}
	if c.mux != nil {
		s.ConnectCount = c.mux.TaskConnectCount()
		s.AssociationCount = c.mux.TaskAssociateCount()
	}
	if c.running.Load() {
		s.ConnectionCount = 1
	}
	return s
}

// Dial opens a relayed TCP connection to addr through the tunnel.
func (c *Client) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if !c.running.Load() {
		return nil, fmt.Errorf("client not started")
	}

	target, err := protocol.ParseAddress(addr)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	sess, err := c.mux.Connect(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	c.metrics.RecordConnectOpen(time.Since(start).Seconds())
	c.log.Debug("connect opened", logging.KeyAddress, addr)

	return &tunnelConn{
		Connect: sess,
		client:  c,
		local:   c.conn.LocalAddr(),
		remote:  c.conn.RemoteAddr(),
	}, nil
}

// tunnelConn adapts a relayed connection to net.Conn for ingress servers.
type tunnelConn struct {
	*mux.Connect
	client *Client
	local  net.Addr
	remote net.Addr
	closed atomic.Bool
}

func (t *tunnelConn) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.client.metrics.RecordConnectClose()
	}
	return t.Connect.Close()
}

func (t *tunnelConn) LocalAddr() net.Addr  { return t.local }
func (t *tunnelConn) RemoteAddr() net.Addr { return t.remote }

// Association is a client-side UDP association: a stable ID under which
// packets flow both ways until Close sends the dissociate command.
type Association struct {
	client *Client
	id     uint16
	recvCh chan *model.Datagram
	closed atomic.Bool
}

// Associate allocates a new UDP association.
func (c *Client) Associate() (*Association, error) {
	if !c.running.Load() {
		return nil, fmt.Errorf("client not started")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Find a free ID. IDs recycle after dissociation.
	for i := 0; i < 1<<16; i++ {
		id := c.nextAssoc
		c.nextAssoc++
		if _, used := c.assocs[id]; !used {
			a := &Association{
				client: c,
				id:     id,
				recvCh: make(chan *model.Datagram, assocBuffer),
			}
			c.assocs[id] = a
			return a, nil
		}
	}

	return nil, fmt.Errorf("no free association IDs")
}

// ID returns the association ID.
func (a *Association) ID() uint16 {
	return a.id
}

// Send relays one UDP payload to addr through the association.
func (a *Association) Send(ctx context.Context, payload []byte, addr protocol.Address) error {
	if a.closed.Load() {
		return fmt.Errorf("association closed")
	}

	c := a.client
	var err error
	switch c.cfg.UDPRelayMode {
	case ModeQUIC:
		err = c.mux.PacketQUIC(ctx, payload, addr, a.id)
	default:
		err = c.mux.PacketNative(payload, addr, a.id)
	}
	if err != nil {
		return err
	}

	c.metrics.RecordPacketSent(c.cfg.UDPRelayMode, 1)
	c.metrics.RecordBytesSent("udp", len(payload))
	return nil
}

// Recv returns the channel of reassembled return-path datagrams. The
// channel is closed when the association closes.
func (a *Association) Recv() <-chan *model.Datagram {
	return a.recvCh
}

// Close dissociates and releases the association ID.
func (a *Association) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	c := a.client
	c.mu.Lock()
	delete(c.assocs, a.id)
	close(a.recvCh)
	c.mu.Unlock()

	if !c.running.Load() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.mux.Dissociate(ctx, a.id)
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	if c.cfg.Heartbeat <= 0 {
		return
	}

	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.mux.Heartbeat(); err != nil {
				if errors.Is(err, mux.ErrDatagramUnsupported) {
					c.log.Warn("heartbeats disabled: transport has no datagram support")
					return
				}
				c.log.Debug("heartbeat failed", logging.KeyError, err)
				continue
			}
			c.metrics.RecordHeartbeatSent()
		}
	}
}

func (c *Client) gcLoop(ctx context.Context) {
	defer c.wg.Done()

	if c.cfg.GCInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := c.mux.CollectGarbage(c.cfg.GCLifetime)
			c.metrics.RecordGC(dropped)
			if dropped > 0 {
				c.log.Debug("reassembly sweep", logging.KeyCount, dropped)
			}
		}
	}
}

func (c *Client) acceptUniLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		recv, err := c.conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}

		go func() {
			task, err := c.mux.AcceptUniStream(recv)
			if err != nil {
				disposeTaskError(c.log, c.metrics, err)
				return
			}
			c.handleTask(task, ModeQUIC)
		}()
	}
}

func (c *Client) acceptDatagramLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		dg, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}

		task, err := c.mux.AcceptDatagram(dg)
		if err != nil {
			disposeTaskError(c.log, c.metrics, err)
			continue
		}
		c.handleTask(task, ModeNative)
	}
}

// acceptStreamLoop drains server-initiated bidirectional streams. The
// server never legitimately opens one toward the client; whatever arrives
// is resolved to an error carrying the stream, which gets reset.
func (c *Client) acceptStreamLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		stream, err := c.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go func() {
			if _, err := c.mux.AcceptStream(stream); err != nil {
				disposeTaskError(c.log, c.metrics, err)
			}
		}()
	}
}

func (c *Client) handleTask(task mux.Task, mode string) {
	switch t := task.(type) {
	case mux.TaskPacket:
		c.metrics.RecordTask(protocol.CmdPacket.String(), mode)
		c.metrics.RecordFragmentReceived()
		c.deliverPacket(t.Packet, mode)
	default:
		// Dispatch already rejects everything else for this role.
	}
}

// deliverPacket resolves a return-path fragment and hands the reassembled
// datagram to its association.
func (c *Client) deliverPacket(pkt *mux.Packet, mode string) {
	dg, err := pkt.Accept()
	if err != nil {
		c.metrics.RecordPacketDropped("payload")
		c.log.Debug("packet payload rejected",
			logging.KeyAssocID, pkt.AssocID(),
			logging.KeyError, err)
		return
	}
	if dg == nil {
		// Fragment buffered, packet incomplete.
		return
	}

	c.metrics.RecordPacketReceived(mode)
	c.metrics.RecordBytesReceived("udp", len(dg.Payload))

	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.assocs[dg.AssocID]
	if !ok {
		c.metrics.RecordPacketDropped("no_association")
		return
	}

	select {
	case a.recvCh <- dg:
	default:
		c.metrics.RecordPacketDropped("backpressure")
	}
}
