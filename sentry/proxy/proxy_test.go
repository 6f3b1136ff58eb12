package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scriptedDialer struct {
	mu     sync.Mutex
	dialed []string
	fail   map[string]bool
}

func (d *scriptedDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, address)
	if d.fail[address] {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	go server.Close()
	return client, nil
}

func TestBoundaryAllowsOnlyConfiguredValidators(t *testing.T) {
	boundary, err := NewBoundary([]string{"10.0.0.2:26656", "Validator-B.internal:26656", "10.0.0.2:26656"})
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.2:26656", "validator-b.internal:26656"}, boundary.Targets())

	require.True(t, boundary.Allowed("10.0.0.2:26656"))
	require.True(t, boundary.Allowed("validator-b.internal:26656"))
	require.False(t, boundary.Allowed("10.0.0.2:26657"))
	require.False(t, boundary.Allowed("203.0.113.9:26656"))
	require.False(t, boundary.Allowed("garbage"))

	_, err = boundary.DialTarget(context.Background(), &scriptedDialer{}, "203.0.113.9:26656")
	require.ErrorIs(t, err, ErrTargetNotAllowed)
}

func TestNewBoundaryRejectsInvalidAddresses(t *testing.T) {
	for _, addr := range []string{"10.0.0.2", ":26656", "10.0.0.2:0", "10.0.0.2:http"} {
		_, err := NewBoundary([]string{addr})
		require.Error(t, err, addr)
	}
}

func TestBoundaryRoundRobinWithFailover(t *testing.T) {
	boundary, err := NewBoundary([]string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.3:1"})
	require.NoError(t, err)
	dialer := &scriptedDialer{fail: map[string]bool{"10.0.0.2:1": true}}
	ctx := context.Background()

	var picked []string
	for i := 0; i < 3; i++ {
		conn, target, err := boundary.Dial(ctx, dialer)
		require.NoError(t, err)
		conn.Close()
		picked = append(picked, target)
	}
	require.Equal(t, []string{"10.0.0.1:1", "10.0.0.3:1", "10.0.0.3:1"}, picked)

	dialer.fail = map[string]bool{"10.0.0.1:1": true, "10.0.0.2:1": true, "10.0.0.3:1": true}
	_, _, err = boundary.Dial(ctx, dialer)
	require.ErrorIs(t, err, ErrNoValidator)

	empty, err := NewBoundary(nil)
	require.NoError(t, err)
	_, _, err = empty.Dial(ctx, dialer)
	require.ErrorIs(t, err, ErrNoValidator)
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

type blockSet map[string]bool

func (b blockSet) IsBlocked(ip string) bool { return b[ip] }

func startProxy(t *testing.T, cfg ServerConfig, blocks BlockChecker, validators ...string) *Server {
	t.Helper()
	boundary, err := NewBoundary(validators)
	require.NoError(t, err)
	cfg.ListenAddress = "127.0.0.1:0"
	srv := NewServer(cfg, boundary, blocks)
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
	return srv
}

func TestServerRelaysToValidator(t *testing.T) {
	srv := startProxy(t, ServerConfig{}, blockSet{}, startEcho(t))

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

	_, err = io.WriteString(conn, "consensus-hello\n")
	require.NoError(t, err)
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "consensus-hello\n", line)
}

func TestServerRefusesBlockedSources(t *testing.T) {
	srv := startProxy(t, ServerConfig{}, blockSet{"127.0.0.1": true}, startEcho(t))

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	_, _ = io.WriteString(conn, "hello\n")
	data, _ := io.ReadAll(conn)
	require.Empty(t, data)
}

func TestAdmitAppliesPerSourceLimit(t *testing.T) {
	boundary, err := NewBoundary([]string{"10.0.0.1:1"})
	require.NoError(t, err)
	srv := NewServer(ServerConfig{RequestsPerMinute: 60, Burst: 2, MaxSources: 2}, boundary, blockSet{"9.9.9.9": true})

	require.Equal(t, OutcomeBlocked, srv.Admit("9.9.9.9"))
	require.Empty(t, srv.Admit("1.1.1.1"))
	require.Empty(t, srv.Admit("1.1.1.1"))
	require.Equal(t, OutcomeRateLimited, srv.Admit("1.1.1.1"))
	require.Empty(t, srv.Admit("2.2.2.2"), "sources are limited independently")
}

func TestServerReportsUnreachableValidators(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	srv := startProxy(t, ServerConfig{DialTimeout: time.Second}, nil, dead)
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	data, _ := io.ReadAll(conn)
	require.Empty(t, data)
}

func (s *Server) trackedConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func TestRelayEndsWhenValidatorCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.WriteString(conn, "bye\n")
		conn.Close()
	}()
	srv := startProxy(t, ServerConfig{}, blockSet{}, ln.Addr().String())

	// The client stays connected and silent after the validator goes away.
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "bye\n", line)

	require.Eventually(t, func() bool { return srv.trackedConns() == 0 },
		2*time.Second, 10*time.Millisecond, "relay must release the client once the validator closes")
}
