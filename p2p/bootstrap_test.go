package p2p

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"
)

type staticSeeds struct {
	addrs []string
	err   error
}

func (s staticSeeds) Resolve(context.Context) ([]string, error) {
	return s.addrs, s.err
}

func connectorRequest() DiscoveryRequest {
	return DiscoveryRequest{Port: 30304, ChainID: testChain, NodeType: BootnodeType, Version: "1.0"}
}

func TestConnectorRegistersBootstrapPeer(t *testing.T) {
	remoteRegistry := NewRegistry(RegistryConfig{})
	ts := startTestServer(t, ServerConfig{BootnodeID: "boot-a"}, remoteRegistry, nil)

	local := NewRegistry(RegistryConfig{})
	connector := NewConnector(BootstrapConfig{
		Peers:       []string{ts.addr},
		DialTimeout: time.Second,
		Request:     connectorRequest(),
		BootnodeID:  "boot-b",
	}, local)

	results := connector.RunOnce(context.Background())
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("handshake failed: %v", results[0].Err)
	}
	if results[0].BootnodeID != "boot-a" {
		t.Fatalf("unexpected remote id %q", results[0].BootnodeID)
	}

	_, portStr, _ := net.SplitHostPort(ts.addr)
	port, _ := strconv.Atoi(portStr)
	rec, ok := local.Get(PeerID("127.0.0.1", port, testChain))
	if !ok {
		t.Fatalf("bootstrap peer not registered locally")
	}
	if rec.NodeType != BootnodeType {
		t.Fatalf("expected node type %q, got %q", BootnodeType, rec.NodeType)
	}
	if _, ok := remoteRegistry.Get(PeerID("127.0.0.1", 30304, testChain)); !ok {
		t.Fatalf("remote bootnode should have registered the connector")
	}
	if got := connector.Results(); len(got) != 1 || got[0].PeerID != results[0].PeerID {
		t.Fatalf("results snapshot mismatch: %+v", got)
	}
}

func TestConnectorToleratesUnreachablePeers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := ln.Addr().String()
	ln.Close()

	ts := startTestServer(t, ServerConfig{BootnodeID: "boot-a"}, NewRegistry(RegistryConfig{}), nil)
	local := NewRegistry(RegistryConfig{})
	connector := NewConnector(BootstrapConfig{
		Peers:       []string{dead, "not-an-address", ts.addr},
		DialTimeout: time.Second,
		Request:     connectorRequest(),
	}, local)

	results := connector.RunOnce(context.Background())
	if len(results) != 3 {
		t.Fatalf("expected three results, got %d", len(results))
	}
	if results[0].Err == nil || results[1].Err == nil {
		t.Fatalf("expected failures for unreachable and invalid addresses")
	}
	if results[2].Err != nil {
		t.Fatalf("reachable peer failed: %v", results[2].Err)
	}
	if local.Len() != 1 {
		t.Fatalf("expected only the reachable peer registered, got %d", local.Len())
	}
}

func TestConnectorSkipsSelf(t *testing.T) {
	ts := startTestServer(t, ServerConfig{BootnodeID: "boot-a"}, NewRegistry(RegistryConfig{}), nil)
	local := NewRegistry(RegistryConfig{})
	connector := NewConnector(BootstrapConfig{
		Peers:      []string{ts.addr},
		Request:    connectorRequest(),
		BootnodeID: "boot-a",
	}, local)

	if results := connector.RunOnce(context.Background()); len(results) != 0 {
		t.Fatalf("self address should be skipped, got %+v", results)
	}
	if local.Len() != 0 {
		t.Fatalf("self must not be registered")
	}
}

func TestConnectorRejectsForeignChain(t *testing.T) {
	ts := startTestServer(t, ServerConfig{BootnodeID: "boot-a", ChainID: "guardian-testnet"}, NewRegistry(RegistryConfig{}), nil)
	connector := NewConnector(BootstrapConfig{
		Peers: []string{ts.addr},
		Request: DiscoveryRequest{
			Port:     30304,
			ChainID:  "guardian-testnet",
			NodeType: BootnodeType,
			Version:  "1.0",
		},
	}, NewRegistry(RegistryConfig{}))
	if results := connector.RunOnce(context.Background()); len(results) != 1 || results[0].Err != nil {
		t.Fatalf("matching chain should succeed: %+v", results)
	}

	_, _, err := NewConnector(BootstrapConfig{Request: connectorRequest()}, nil).Handshake(context.Background(), ts.addr)
	if err == nil {
		t.Fatalf("expected error for mismatched chain")
	}
}

func TestConnectorMergesSeedAddresses(t *testing.T) {
	ts := startTestServer(t, ServerConfig{BootnodeID: "boot-a"}, NewRegistry(RegistryConfig{}), nil)
	connector := NewConnector(BootstrapConfig{
		Peers:   []string{ts.addr},
		Seeds:   staticSeeds{addrs: []string{ts.addr, " "}, err: errors.New("one domain failed")},
		Request: connectorRequest(),
	}, NewRegistry(RegistryConfig{}))

	results := connector.RunOnce(context.Background())
	if len(results) != 1 {
		t.Fatalf("duplicate seed should be dialled once, got %d results", len(results))
	}
}

func TestConnectorRunStopsOnCancel(t *testing.T) {
	connector := NewConnector(BootstrapConfig{
		Peers:    []string{"127.0.0.1:1"},
		Interval: time.Hour,
		Request:  connectorRequest(),
	}, NewRegistry(RegistryConfig{}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- connector.Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("connector did not stop")
	}
}
