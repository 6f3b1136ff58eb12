package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"golang.org/x/time/rate"

	"guardian/observability/logging"
	"guardian/observability/metrics"
)

const (
	defaultDialTimeout       = 5 * time.Second
	defaultRequestsPerMinute = 120
	defaultMaxPacketRate     = 1000
	defaultMaxSources        = 10000
	relayBufferSize          = 32 << 10
)

// Proxy connection outcomes.
const (
	OutcomeRelayed     = "relayed"
	OutcomeBlocked     = "blocked"
	OutcomeRateLimited = "rate_limited"
	OutcomeNoValidator = "no_validator"
)

// BlockChecker reports whether a source is currently firewalled.
type BlockChecker interface {
	IsBlocked(ip string) bool
}

// ServerConfig configures the validator proxy.
type ServerConfig struct {
	ListenAddress     string
	RequestsPerMinute int
	// Burst is the number of connections a source may open at once. Zero
	// allows a tenth of a minute's allowance.
	Burst int
	// MaxPacketRate caps client reads relayed upstream per second.
	MaxPacketRate int
	DialTimeout   time.Duration
	MaxSources    int
}

// Server accepts public connections and relays each to a validator chosen by
// the Boundary.
type Server struct {
	cfg      ServerConfig
	boundary *Boundary
	blocks   BlockChecker
	dialer   Dialer
	logger   *slog.Logger
	metrics  *metrics.SentryMetrics

	limitMu  sync.Mutex
	limiters lru.BasicLRU[string, *rate.Limiter]

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithDialer overrides the upstream dialer.
func WithDialer(dialer Dialer) ServerOption {
	return func(s *Server) {
		if dialer != nil {
			s.dialer = dialer
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer builds a proxy. blocks may be nil.
func NewServer(cfg ServerConfig, boundary *Boundary, blocks BlockChecker, opts ...ServerOption) *Server {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, cfg.RequestsPerMinute/10)
	}
	if cfg.MaxPacketRate <= 0 {
		cfg.MaxPacketRate = defaultMaxPacketRate
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = defaultMaxSources
	}
	s := &Server{
		cfg:      cfg,
		boundary: boundary,
		blocks:   blocks,
		dialer:   &net.Dialer{Timeout: cfg.DialTimeout},
		logger:   slog.Default().With(slog.String("component", "validator_proxy")),
		metrics:  metrics.Sentry(),
		limiters: lru.NewBasicLRU[string, *rate.Limiter](cfg.MaxSources),
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the proxy port.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("bind validator proxy %s: %w", s.cfg.ListenAddress, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("Validator proxy listening",
		logging.MaskField("listen_address", ln.Addr().String()),
		slog.Int("validators", len(s.boundary.Targets())))
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

// Serve accepts connections until ctx is cancelled, then closes every relay.
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
		s.closeAll()
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
		go s.handle(ctx, conn)
	}
	s.closeAll()
	s.wg.Wait()
	return serveErr
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

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Admit applies the block set and the per-source limiter to ip.
func (s *Server) Admit(ip string) string {
	if s.blocks != nil && s.blocks.IsBlocked(ip) {
		return OutcomeBlocked
	}
	if !s.limiterFor(ip).Allow() {
		return OutcomeRateLimited
	}
	return ""
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	if limiter, ok := s.limiters.Get(ip); ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(float64(s.cfg.RequestsPerMinute)/60.0), s.cfg.Burst)
	s.limiters.Add(ip, limiter)
	return limiter
}

func (s *Server) handle(ctx context.Context, client net.Conn) {
	defer s.wg.Done()
	defer s.untrack(client)
	defer client.Close()

	ip := remoteIP(client.RemoteAddr())
	if outcome := s.Admit(ip); outcome != "" {
		s.metrics.RecordProxy(outcome)
		s.logger.Debug("Proxy connection refused",
			logging.MaskField("remote_ip", ip),
			slog.String("outcome", outcome))
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	upstream, target, err := s.boundary.Dial(dialCtx, s.dialer)
	cancel()
	if err != nil {
		s.metrics.RecordProxy(OutcomeNoValidator)
		s.logger.Warn("No validator reachable for relay",
			logging.MaskField("remote_ip", ip),
			slog.Any("error", err))
		return
	}
	s.track(upstream)
	defer s.untrack(upstream)
	defer upstream.Close()

	s.metrics.RecordProxy(OutcomeRelayed)
	s.logger.Debug("Relaying connection",
		logging.MaskField("remote_ip", ip),
		logging.MaskField("validator", target))
	s.relay(ctx, client, upstream)
}

// relay copies in both directions until the client has finished sending and
// the validator has closed. Client reads are paced at MaxPacketRate.
func (s *Server) relay(ctx context.Context, client, upstream net.Conn) {
	pace := rate.NewLimiter(rate.Limit(s.cfg.MaxPacketRate), s.cfg.MaxPacketRate)
	done := make(chan struct{}, 2)
	go func() {
		_ = pacedCopy(ctx, upstream, client, pace)
		closeWrite(upstream)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		closeWrite(client)
		// The validator has finished; unblock the client reader.
		_ = client.SetReadDeadline(time.Now())
		done <- struct{}{}
	}()
	<-done
	<-done
}

func pacedCopy(ctx context.Context, dst io.Writer, src io.Reader, pace *rate.Limiter) error {
	buf := make([]byte, relayBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := pace.Wait(ctx); werr != nil {
				return werr
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func closeWrite(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
		return
	}
	_ = conn.Close()
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		if v4 := tcp.IP.To4(); v4 != nil {
			return v4.String()
		}
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
