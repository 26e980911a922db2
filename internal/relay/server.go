package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/tuic-go/tuic/internal/health"
	"github.com/tuic-go/tuic/internal/logging"
	"github.com/tuic-go/tuic/internal/metrics"
	"github.com/tuic-go/tuic/internal/model"
	"github.com/tuic-go/tuic/internal/mux"
	"github.com/tuic-go/tuic/internal/protocol"
	"github.com/tuic-go/tuic/internal/transport"
)

const (
	// defaultDialTimeout bounds outbound TCP dials for connect tasks.
	defaultDialTimeout = 8 * time.Second

	// udpReadBuffer sizes the return-path read buffer. UDP payloads
	// beyond 64k cannot exist.
	udpReadBuffer = 65536

	// udpRateBurst is the burst allowance when per-association rate
	// limiting is configured.
	udpRateBurst = 32
)

// UserCredential identifies one permitted user.
type UserCredential struct {
	UUID     string
	Password string
}

// ServerConfig configures the server runtime.
type ServerConfig struct {
	// Listen is the QUIC listen address (host:port).
	Listen string

	// Users are the permitted credentials.
	Users []UserCredential

	// AuthTimeout closes connections that have not authenticated in time.
	AuthTimeout time.Duration

	// UDPRate limits relayed packets per second per association.
	// Zero means unlimited.
	UDPRate float64

	// GCInterval and GCLifetime drive reassembly garbage collection.
	GCInterval time.Duration
	GCLifetime time.Duration

	// DatagramMTU bounds outgoing datagrams.
	DatagramMTU int

	// DialTimeout bounds outbound TCP dials (0 = default).
	DialTimeout time.Duration

	// TLSConfig is the TLS server configuration.
	TLSConfig *tls.Config

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server is the server-side relay runtime. It accepts tunnel connections,
// gates them behind authentication, and executes tasks: outbound TCP
// connects and per-association UDP relays.
type Server struct {
	cfg     ServerConfig
	log     *slog.Logger
	metrics *metrics.Metrics

	tokens map[[protocol.TokenLen]byte]string

	listener *transport.Listener

	mu       sync.Mutex
	sessions map[*session]struct{}

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server runtime. Start must be called before use.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 3 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	tokens := make(map[[protocol.TokenLen]byte]string, len(cfg.Users))
	for _, u := range cfg.Users {
		tokens[DeriveToken(u.UUID, u.Password)] = u.UUID
	}

	return &Server{
		cfg:      cfg,
		log:      log.With(logging.KeyComponent, "relay-server"),
		metrics:  m,
		tokens:   tokens,
		sessions: make(map[*session]struct{}),
	}
}

// Start opens the listener and launches the accept loop.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already started")
	}

	listener, err := transport.Listen(s.cfg.Listen, transport.ListenOptions{
		TLSConfig:   s.cfg.TLSConfig,
		DatagramMTU: s.cfg.DatagramMTU,
	})
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}

	s.listener = listener
	s.running.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.log.Info("listening", logging.KeyAddress, listener.Addr().String())
	return nil
}

// Stop closes the listener and all sessions.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	s.cancel()
	err := s.listener.Close()

	s.mu.Lock()
	for sess := range s.sessions {
		sess.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("stopped")
	return err
}

// IsRunning reports whether the runtime is started.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats implements health.StatsProvider.
func (s *Server) Stats() health.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := health.Stats{ConnectionCount: len(s.sessions)}
	for sess := range s.sessions {
		stats.ConnectCount += sess.mux.TaskConnectCount()
		stats.AssociationCount += sess.mux.TaskAssociateCount()
	}
	return stats
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			return
		}

		sess := newSession(s, conn)

		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run(ctx)

			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
		}()
	}
}

// session is one authenticated (or about to be) tunnel connection.
type session struct {
	srv  *Server
	conn *transport.QUICConn
	mux  *mux.Server
	log  *slog.Logger

	started  time.Time
	authed   chan struct{}
	authOnce sync.Once
	uuid     string

	mu      sync.Mutex
	assocs  map[uint16]*udpAssociation
	closing bool

	bytesTCP atomic.Int64
	bytesUDP atomic.Int64

	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	// assocWG tracks return-path readers separately from the accept
	// loops; they are spawned from task goroutines that may outlive
	// the loops, so they must never touch wg once run is waiting.
	assocWG sync.WaitGroup
}

// errSessionClosed rejects association creation once teardown has begun.
var errSessionClosed = errors.New("session closed")

func newSession(srv *Server, conn *transport.QUICConn) *session {
	return &session{
		srv:     srv,
		conn:    conn,
		mux:     mux.NewServer(conn),
		log:     srv.log.With(logging.KeyRemoteAddr, conn.RemoteAddr().String()),
		started: time.Now(),
		authed:  make(chan struct{}),
		assocs:  make(map[uint16]*udpAssociation),
	}
}

func (se *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	se.mu.Lock()
	se.cancel = cancel
	se.mu.Unlock()

	se.srv.metrics.RecordConnect()
	se.log.Info("connection accepted")

	se.wg.Add(5)
	go se.authWatchdog(ctx)
	go se.gcLoop(ctx)
	go se.acceptUniLoop(ctx)
	go se.acceptStreamLoop(ctx)
	go se.acceptDatagramLoop(ctx)

	se.wg.Wait()
	se.close()
	se.assocWG.Wait()

	se.srv.metrics.RecordDisconnect("closed")
	se.log.Info("connection closed",
		logging.KeyDuration, time.Since(se.started).Round(time.Millisecond).String(),
		"tcp_bytes", humanize.Bytes(uint64(se.bytesTCP.Load())),
		"udp_bytes", humanize.Bytes(uint64(se.bytesUDP.Load())))
}

// close tears the session down. Safe to call more than once.
func (se *session) close() {
	se.closeOnce.Do(func() {
		se.mu.Lock()
		se.closing = true
		cancel := se.cancel
		for id, a := range se.assocs {
			a.close()
			delete(se.assocs, id)
		}
		se.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		se.conn.Close()
	})
}

// authWatchdog closes the connection if authentication does not arrive in
// time.
func (se *session) authWatchdog(ctx context.Context) {
	defer se.wg.Done()

	timer := time.NewTimer(se.srv.cfg.AuthTimeout)
	defer timer.Stop()

	select {
	case <-se.authed:
	case <-ctx.Done():
	case <-timer.C:
		se.srv.metrics.RecordAuthFailure()
		se.log.Warn("authentication timeout")
		se.close()
	}
}

// waitAuth blocks a task until the session authenticates. Returns false
// if the session dies first.
func (se *session) waitAuth(ctx context.Context) bool {
	select {
	case <-se.authed:
		return true
	case <-ctx.Done():
		return false
	}
}

func (se *session) handleAuthenticate(token [protocol.TokenLen]byte) {
	uuid, ok := se.srv.tokens[token]
	if !ok {
		se.srv.metrics.RecordAuthFailure()
		se.log.Warn("authentication rejected")
		se.close()
		return
	}

	se.authOnce.Do(func() {
		se.uuid = uuid
		close(se.authed)
	})
	se.srv.metrics.RecordAuthSuccess(time.Since(se.started).Seconds())
	se.log.Info("authenticated", "uuid", uuid)
}

func (se *session) gcLoop(ctx context.Context) {
	defer se.wg.Done()

	interval := se.srv.cfg.GCInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := se.mux.CollectGarbage(se.srv.cfg.GCLifetime)
			se.srv.metrics.RecordGC(dropped)
		}
	}
}

func (se *session) acceptUniLoop(ctx context.Context) {
	defer se.wg.Done()
	defer se.cancel()

	for {
		recv, err := se.conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}

		go func() {
			task, err := se.mux.AcceptUniStream(recv)
			if err != nil {
				disposeTaskError(se.log, se.srv.metrics, err)
				return
			}
			se.handleTask(ctx, task, ModeQUIC)
		}()
	}
}

func (se *session) acceptStreamLoop(ctx context.Context) {
	defer se.wg.Done()
	defer se.cancel()

	for {
		stream, err := se.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go func() {
			task, err := se.mux.AcceptStream(stream)
			if err != nil {
				disposeTaskError(se.log, se.srv.metrics, err)
				return
			}
			se.handleTask(ctx, task, ModeQUIC)
		}()
	}
}

func (se *session) acceptDatagramLoop(ctx context.Context) {
	defer se.wg.Done()
	defer se.cancel()

	for {
		dg, err := se.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}

		task, err := se.mux.AcceptDatagram(dg)
		if err != nil {
			disposeTaskError(se.log, se.srv.metrics, err)
			continue
		}
		se.handleTask(ctx, task, ModeNative)
	}
}

func (se *session) handleTask(ctx context.Context, task mux.Task, mode string) {
	m := se.srv.metrics

	switch t := task.(type) {
	case mux.TaskAuthenticate:
		m.RecordTask(protocol.CmdAuthenticate.String(), mode)
		se.handleAuthenticate(t.Token)

	case mux.TaskConnect:
		m.RecordTask(protocol.CmdConnect.String(), mode)
		go se.handleConnect(ctx, t.Conn)

	case mux.TaskPacket:
		m.RecordTask(protocol.CmdPacket.String(), mode)
		m.RecordFragmentReceived()
		go se.handlePacket(ctx, t.Packet, mode)

	case mux.TaskDissociate:
		m.RecordTask(protocol.CmdDissociate.String(), mode)
		se.dropAssociation(t.AssocID)

	case mux.TaskHeartbeat:
		m.RecordTask(protocol.CmdHeartbeat.String(), mode)
		m.RecordHeartbeatRecv()
		se.log.Debug("heartbeat")
	}
}

// handleConnect dials the requested target over TCP and relays both
// directions until either side closes.
func (se *session) handleConnect(ctx context.Context, tc *mux.Connect) {
	defer tc.Close()

	if !se.waitAuth(ctx) {
		return
	}

	addr := tc.Addr().String()
	start := time.Now()

	target, err := net.DialTimeout("tcp", addr, se.srv.cfg.DialTimeout)
	if err != nil {
		se.log.Debug("connect failed",
			logging.KeyAddress, addr,
			logging.KeyError, err)
		return
	}
	defer target.Close()

	se.srv.metrics.RecordConnectOpen(time.Since(start).Seconds())
	se.log.Debug("connect opened", logging.KeyAddress, addr)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(target, tc)
		se.bytesTCP.Add(n)
		se.srv.metrics.RecordBytesReceived("tcp", int(n))
		if t, ok := target.(*net.TCPConn); ok {
			t.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		n, _ := io.Copy(tc, target)
		se.bytesTCP.Add(n)
		se.srv.metrics.RecordBytesSent("tcp", int(n))
		tc.CloseWrite()
	}()

	wg.Wait()
	se.srv.metrics.RecordConnectClose()
}

// handlePacket resolves one fragment and, once a packet completes,
// forwards it out the association's UDP socket.
func (se *session) handlePacket(ctx context.Context, pkt *mux.Packet, mode string) {
	if !se.waitAuth(ctx) {
		pkt.Discard()
		return
	}

	dg, err := pkt.Accept()
	if err != nil {
		se.srv.metrics.RecordPacketDropped("payload")
		se.log.Debug("packet payload rejected",
			logging.KeyAssocID, pkt.AssocID(),
			logging.KeyError, err)
		return
	}
	if dg == nil {
		return
	}

	a, err := se.association(ctx, dg.AssocID, mode)
	if err != nil {
		se.srv.metrics.RecordPacketDropped("socket")
		se.log.Warn("association socket failed",
			logging.KeyAssocID, dg.AssocID,
			logging.KeyError, err)
		return
	}

	a.send(dg)
}

// association returns the UDP relay state for an ID, creating the socket
// and return-path reader on first use.
func (se *session) association(ctx context.Context, id uint16, mode string) (*udpAssociation, error) {
	se.mu.Lock()
	defer se.mu.Unlock()

	if se.closing {
		return nil, errSessionClosed
	}
	if a, ok := se.assocs[id]; ok {
		a.setMode(mode)
		return a, nil
	}

	sock, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}

	a := &udpAssociation{
		sess: se,
		id:   id,
		sock: sock,
	}
	a.mode.Store(mode)
	if se.srv.cfg.UDPRate > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(se.srv.cfg.UDPRate), udpRateBurst)
	}
	se.assocs[id] = a

	se.log.Debug("association opened",
		logging.KeyAssocID, id,
		logging.KeyLocalAddr, sock.LocalAddr().String())

	se.assocWG.Add(1)
	go a.returnLoop(ctx)

	return a, nil
}

func (se *session) dropAssociation(id uint16) {
	se.mu.Lock()
	a, ok := se.assocs[id]
	if ok {
		delete(se.assocs, id)
	}
	se.mu.Unlock()

	if ok {
		a.close()
		se.log.Debug("association dropped", logging.KeyAssocID, id)
	}
}

// udpAssociation is one relayed UDP flow: a dedicated socket plus the
// return-path reader feeding packets back through the tunnel.
type udpAssociation struct {
	sess    *session
	id      uint16
	sock    *net.UDPConn
	limiter *rate.Limiter
	mode    atomic.Value // string; last relay mode seen from the client
	closed  atomic.Bool
}

func (a *udpAssociation) setMode(mode string) {
	a.mode.Store(mode)
}

// send forwards one reassembled packet to its target.
func (a *udpAssociation) send(dg *model.Datagram) {
	if a.limiter != nil && !a.limiter.Allow() {
		a.sess.srv.metrics.RecordPacketDropped("rate_limit")
		return
	}

	target, err := net.ResolveUDPAddr("udp", dg.Addr.String())
	if err != nil {
		a.sess.srv.metrics.RecordPacketDropped("resolve")
		a.sess.log.Debug("packet target unresolvable",
			logging.KeyAddress, dg.Addr.String(),
			logging.KeyError, err)
		return
	}

	n, err := a.sock.WriteToUDP(dg.Payload, target)
	if err != nil {
		a.sess.srv.metrics.RecordPacketDropped("write")
		return
	}

	a.sess.bytesUDP.Add(int64(n))
	a.sess.srv.metrics.RecordPacketReceived(a.mode.Load().(string))
	a.sess.srv.metrics.RecordBytesReceived("udp", n)
}

// returnLoop reads responses off the association socket and relays them
// back to the client in the mode its packets last used.
func (a *udpAssociation) returnLoop(ctx context.Context) {
	defer a.sess.assocWG.Done()

	// Closing the socket is the only way to unblock the read below.
	stop := context.AfterFunc(ctx, a.close)
	defer stop()

	buf := make([]byte, udpReadBuffer)
	for {
		n, from, err := a.sock.ReadFromUDP(buf)
		if err != nil {
			return
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		source := protocol.IPAddress(from.IP, uint16(from.Port))

		var sendErr error
		mode := a.mode.Load().(string)
		switch mode {
		case ModeQUIC:
			sendErr = a.sess.mux.PacketQUIC(ctx, payload, source, a.id)
		default:
			sendErr = a.sess.mux.PacketNative(payload, source, a.id)
		}
		if sendErr != nil {
			a.sess.srv.metrics.RecordPacketDropped("return_path")
			a.sess.log.Debug("return packet failed",
				logging.KeyAssocID, a.id,
				logging.KeyError, sendErr)
			continue
		}

		a.sess.bytesUDP.Add(int64(n))
		a.sess.srv.metrics.RecordPacketSent(mode, 1)
		a.sess.srv.metrics.RecordBytesSent("udp", n)
	}
}

func (a *udpAssociation) close() {
	if a.closed.CompareAndSwap(false, true) {
		a.sock.Close()
	}
}
