package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	xnetutil "golang.org/x/net/netutil"

	"guardian/observability/logging"
	"guardian/observability/metrics"
)

const (
	defaultReadTimeout      = 5 * time.Second
	defaultMaxPeersReturned = 50
	defaultMaxConnections   = 256
	defaultShutdownGrace    = 5 * time.Second
)

// Outcome labels recorded for every discovery connection.
const (
	OutcomeOK          = "ok"
	OutcomeMalformed   = "malformed"
	OutcomeRateLimited = "rate_limited"
	OutcomeBanned      = "banned"
	OutcomeReadError   = "read_error"
	OutcomeWriteError  = "write_error"
)

// ServerConfig encapsulates runtime settings for the discovery server.
type ServerConfig struct {
	ListenAddress    string
	BootnodeID       string
	ChainID          string
	MaxPeersReturned int
	ReadTimeout      time.Duration
	MaxConnections   int
	ShutdownGrace    time.Duration
}

// Server answers discovery handshakes: one request and at most one response
// per connection.
type Server struct {
	cfg      ServerConfig
	registry *Registry
	limiter  *Limiter
	clock    mclock.Clock
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.DiscoveryMetrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithServerClock overrides the monotonic clock used for rate limiting.
func WithServerClock(clock mclock.Clock) ServerOption {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithServerLogger overrides the component logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a discovery server around an existing registry and limiter.
func NewServer(cfg ServerConfig, registry *Registry, limiter *Limiter, opts ...ServerOption) *Server {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":0"
	}
	if cfg.MaxPeersReturned <= 0 {
		cfg.MaxPeersReturned = defaultMaxPeersReturned
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		limiter:  limiter,
		clock:    mclock.System{},
		now:      time.Now,
		logger:   slog.Default().With(slog.String("component", "discovery_server")),
		metrics:  metrics.Discovery(),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the discovery port. A failure here is the only fatal startup
// condition for a bootnode.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("bind discovery listener %s: %w", s.cfg.ListenAddress, err)
	}
	s.mu.Lock()
	s.listener = xnetutil.LimitListener(ln, s.cfg.MaxConnections)
	s.mu.Unlock()
	s.logger.Info("Discovery server listening",
		logging.MaskField("listen_address", ln.Addr().String()),
		slog.String("chain_id", s.cfg.ChainID),
		logging.MaskField("bootnode_id", s.cfg.BootnodeID))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled. On cancellation the
// listener is closed first, in-flight connections get ShutdownGrace to finish
// and are then cut off.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	var serveErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			serveErr = err
			break
		}
		s.track(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
	_ = ln.Close()
	s.drain()
	return serveErr
}

func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(s.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.SetDeadline(time.Now())
	}
	s.mu.Unlock()
	<-done
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	outcome := s.serveConn(conn)
	s.metrics.RecordRequest(outcome)
	if s.registry != nil {
		s.metrics.SetRegistrySize(s.registry.Len())
	}
}

// serveConn walks the per-connection state machine and reports the outcome.
// Every rejection path returns without writing to the connection.
func (s *Server) serveConn(conn net.Conn) string {
	ip := remoteIP(conn.RemoteAddr())
	now := s.clock.Now()
	if s.limiter.Banned(ip, now) {
		s.logger.Debug("Dropping connection from banned source",
			logging.MaskField("peer_ip", ip))
		return OutcomeBanned
	}

	deadline := s.now().Add(s.cfg.ReadTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return OutcomeReadError
	}
	line, err := readRequestLine(conn)
	if err != nil {
		s.logger.Debug("Discovery read failed",
			logging.MaskField("peer_ip", ip),
			slog.Any("error", err))
		return OutcomeReadError
	}

	if err := s.limiter.Check(ip, s.clock.Now()); err != nil {
		s.logger.Debug("Discovery request rejected",
			logging.MaskField("peer_ip", ip),
			slog.Any("error", err))
		if errors.Is(err, ErrBanned) {
			return OutcomeBanned
		}
		return OutcomeRateLimited
	}

	req, err := ParseRequest(line)
	if err == nil && req.ChainID != s.cfg.ChainID {
		err = fmt.Errorf("%w: got %q", ErrChainMismatch, req.ChainID)
	}
	if err != nil {
		s.logger.Debug("Malformed discovery request",
			logging.MaskField("peer_ip", ip),
			slog.Any("error", err))
		return OutcomeMalformed
	}

	resp := s.Respond(ip, req)
	payload, err := EncodeResponse(resp)
	if err != nil {
		return OutcomeWriteError
	}
	if _, err := conn.Write(payload); err != nil {
		s.logger.Debug("Discovery write failed",
			logging.MaskField("peer_ip", ip),
			slog.Any("error", err))
		return OutcomeWriteError
	}
	return OutcomeOK
}

// Respond registers the requester and builds its response. It does not apply
// rate limiting; callers are expected to have done so.
func (s *Server) Respond(ip string, req DiscoveryRequest) DiscoveryResponse {
	id := s.registry.RegisterOrRefresh(ip, req.Port, PeerMetadata{
		ChainID:  req.ChainID,
		NodeType: req.NodeType,
		Version:  req.Version,
	})
	return DiscoveryResponse{
		BootnodeID: s.cfg.BootnodeID,
		Peers:      s.registry.ListActive(id, s.cfg.MaxPeersReturned),
		Timestamp:  unixSeconds(s.now()),
		ChainID:    s.cfg.ChainID,
	}
}

func readRequestLine(conn net.Conn) ([]byte, error) {
	reader := bufio.NewReader(io.LimitReader(conn, maxRequestBytes+1))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(strings.TrimSpace(string(line))) > 0 {
			return line, nil
		}
		return nil, err
	}
	return line, nil
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return normalizeIP(tcp.IP.String())
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return normalizeIP(addr.String())
	}
	return normalizeIP(host)
}
