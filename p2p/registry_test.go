package p2p

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
)

func newTestRegistry(clock mclock.Clock, timeout time.Duration) *Registry {
	return NewRegistry(RegistryConfig{PeerTimeout: timeout, Clock: clock})
}

func TestRegisterOrRefreshDeterministicID(t *testing.T) {
	clock := new(mclock.Simulated)
	reg := newTestRegistry(clock, time.Minute)
	meta := PeerMetadata{ChainID: "guardian-mainnet", NodeType: "full", Version: "1.0"}

	first := reg.RegisterOrRefresh("10.0.0.1", 30303, meta)
	for i := 0; i < 5; i++ {
		clock.Run(time.Second)
		if id := reg.RegisterOrRefresh("10.0.0.1", 30303, meta); id != first {
			t.Fatalf("refresh %d returned %s, want %s", i, id, first)
		}
	}
	if got := reg.Len(); got != 1 {
		t.Fatalf("expected a single record, got %d", got)
	}
	if id := reg.RegisterOrRefresh("::ffff:10.0.0.1", 30303, meta); id != first {
		t.Fatalf("v4-mapped address should share identifier")
	}
	other := reg.RegisterOrRefresh("10.0.0.1", 30303, PeerMetadata{ChainID: "guardian-testnet", NodeType: "full", Version: "1.0"})
	if other == first {
		t.Fatalf("chain id must contribute to the identifier")
	}
}

func TestRegisterRefreshesMetadataAndLastSeen(t *testing.T) {
	clock := new(mclock.Simulated)
	reg := newTestRegistry(clock, time.Minute)
	id := reg.RegisterOrRefresh("10.0.0.2", 1000, PeerMetadata{ChainID: "c", NodeType: "light", Version: "0.9"})
	before, _ := reg.Get(id)

	clock.Run(10 * time.Second)
	reg.RegisterOrRefresh("10.0.0.2", 1000, PeerMetadata{ChainID: "c", NodeType: "full", Version: "1.0"})
	after, ok := reg.Get(id)
	if !ok {
		t.Fatalf("record missing after refresh")
	}
	if after.LastSeen <= before.LastSeen {
		t.Fatalf("last seen did not advance: %v -> %v", before.LastSeen, after.LastSeen)
	}
	if after.NodeType != "full" || after.Version != "1.0" {
		t.Fatalf("metadata not refreshed: %+v", after)
	}
}

func TestListActiveExcludesAndCaps(t *testing.T) {
	clock := new(mclock.Simulated)
	reg := newTestRegistry(clock, time.Minute)
	meta := PeerMetadata{ChainID: "c", NodeType: "full", Version: "1"}
	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, reg.RegisterOrRefresh("10.0.1.1", 4000+i, meta))
	}

	peers := reg.ListActive(ids[0], 3)
	if len(peers) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(peers))
	}
	for i, peer := range peers {
		if peer.ID == ids[0] {
			t.Fatalf("excluded id returned")
		}
		if peer.ID != ids[i+1] {
			t.Fatalf("expected registration order, position %d got %s want %s", i, peer.ID, ids[i+1])
		}
	}
	if got := reg.ListActive("", 0); len(got) != 0 {
		t.Fatalf("maxN=0 should return no peers, got %d", len(got))
	}
	if got := reg.ListActive("", 100); len(got) != 6 {
		t.Fatalf("expected all 6 peers, got %d", len(got))
	}
}

func TestListActiveSkipsExpired(t *testing.T) {
	clock := new(mclock.Simulated)
	reg := newTestRegistry(clock, time.Minute)
	meta := PeerMetadata{ChainID: "c", NodeType: "full", Version: "1"}
	stale := reg.RegisterOrRefresh("10.0.2.1", 1, meta)
	clock.Run(time.Minute)
	live := reg.RegisterOrRefresh("10.0.2.2", 1, meta)

	peers := reg.ListActive("", 10)
	if len(peers) != 1 || peers[0].ID != live {
		t.Fatalf("expected only live peer, got %+v", peers)
	}
	if _, ok := reg.Get(stale); !ok {
		t.Fatalf("listing must not evict")
	}
}

func TestEvictStale(t *testing.T) {
	clock := new(mclock.Simulated)
	timeout := 5 * time.Minute
	reg := newTestRegistry(clock, timeout)
	meta := PeerMetadata{ChainID: "c", NodeType: "full", Version: "1"}
	reg.RegisterOrRefresh("10.0.3.1", 1, meta)
	reg.RegisterOrRefresh("10.0.3.2", 1, meta)
	clock.Run(4 * time.Minute)
	fresh := reg.RegisterOrRefresh("10.0.3.3", 1, meta)
	clock.Run(time.Minute + time.Second)

	now := clock.Now()
	if evicted := reg.EvictStale(now); evicted != 2 {
		t.Fatalf("expected 2 evictions, got %d", evicted)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected one remaining record, got %d", reg.Len())
	}
	rec, ok := reg.Get(fresh)
	if !ok {
		t.Fatalf("fresh record evicted")
	}
	if now.Sub(rec.LastSeen) > timeout {
		t.Fatalf("remaining record is stale")
	}
	if evicted := reg.EvictStale(now); evicted != 0 {
		t.Fatalf("second sweep should be a no-op, evicted %d", evicted)
	}
}

func TestRegistryCapacityEvictsOldest(t *testing.T) {
	clock := new(mclock.Simulated)
	reg := NewRegistry(RegistryConfig{PeerTimeout: time.Hour, Capacity: 2, Clock: clock})
	meta := PeerMetadata{ChainID: "c", NodeType: "full", Version: "1"}
	oldest := reg.RegisterOrRefresh("10.0.4.1", 1, meta)
	clock.Run(time.Second)
	second := reg.RegisterOrRefresh("10.0.4.2", 1, meta)
	clock.Run(time.Second)
	third := reg.RegisterOrRefresh("10.0.4.3", 1, meta)

	if reg.Len() != 2 {
		t.Fatalf("capacity exceeded: %d", reg.Len())
	}
	if _, ok := reg.Get(oldest); ok {
		t.Fatalf("oldest record should have been evicted")
	}
	for _, id := range []string{second, third} {
		if _, ok := reg.Get(id); !ok {
			t.Fatalf("record %s missing", id)
		}
	}
}

func TestRegistryConcurrentRegisterListEvict(t *testing.T) {
	clock := new(mclock.Simulated)
	reg := NewRegistry(RegistryConfig{PeerTimeout: time.Second, Capacity: 50, Clock: clock})
	meta := PeerMetadata{ChainID: "guardian-mainnet", NodeType: "full", Version: "1.0"}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ip := fmt.Sprintf("10.%d.%d.%d", g, i/250, i%250)
				id := reg.RegisterOrRefresh(ip, 30303, meta)
				reg.ListActive(id, 10)
				if i%50 == 0 {
					clock.Run(100 * time.Millisecond)
					reg.EvictStale(clock.Now())
				}
				if n := reg.Len(); n > 50 {
					t.Errorf("registry grew to %d records", n)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	if n := reg.Len(); n > 50 {
		t.Fatalf("registry holds %d records, capacity is 50", n)
	}
}
