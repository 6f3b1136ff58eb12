package p2p

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
)

const (
	defaultPeerTimeout      = 5 * time.Minute
	defaultRegistryCapacity = 4096
)

// PeerRecord tracks a peer learned through the discovery handshake.
type PeerRecord struct {
	ID       string
	IP       string
	Port     int
	ChainID  string
	NodeType string
	Version  string
	LastSeen mclock.AbsTime

	seq uint64
}

// Summary returns the public view of the record.
func (r PeerRecord) Summary() PeerSummary {
	return PeerSummary{ID: r.ID, IP: r.IP, Port: r.Port, NodeType: r.NodeType}
}

// PeerMetadata carries the self-reported fields of a discovery request.
type PeerMetadata struct {
	ChainID  string
	NodeType string
	Version  string
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	PeerTimeout time.Duration
	Capacity    int
	Clock       mclock.Clock
}

// Registry is the in-memory set of known peers. Registration, listing and
// eviction all run under one mutex so the discovery path and the reaper never
// observe a half-applied mutation.
type Registry struct {
	mu sync.Mutex

	clock    mclock.Clock
	timeout  time.Duration
	capacity int

	peers   map[string]*PeerRecord
	nextSeq uint64
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = defaultPeerTimeout
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultRegistryCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	return &Registry{
		clock:    cfg.Clock,
		timeout:  cfg.PeerTimeout,
		capacity: cfg.Capacity,
		peers:    make(map[string]*PeerRecord),
	}
}

// RegisterOrRefresh creates the record for ip:port on first contact and
// refreshes its metadata and last-seen time afterwards. The returned identifier
// is deterministic for identical (ip, port, chain id).
//
// When the registry is at capacity, registering a new peer evicts the record
// with the oldest last-seen time even if it has not yet expired. This is the
// only path besides EvictStale that deletes records.
func (r *Registry) RegisterOrRefresh(ip string, port int, meta PeerMetadata) string {
	ip = normalizeIP(ip)
	chainID := strings.TrimSpace(meta.ChainID)
	id := PeerID(ip, port, chainID)
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.peers[id]
	if rec == nil {
		if len(r.peers) >= r.capacity {
			r.evictOldestLocked()
		}
		r.nextSeq++
		rec = &PeerRecord{ID: id, IP: ip, Port: port, ChainID: chainID, seq: r.nextSeq}
		r.peers[id] = rec
	}
	rec.NodeType = strings.TrimSpace(meta.NodeType)
	rec.Version = strings.TrimSpace(meta.Version)
	if now > rec.LastSeen {
		rec.LastSeen = now
	}
	return id
}

// ListActive returns up to maxN live peers in registration order, never
// including excludeID.
func (r *Registry) ListActive(excludeID string, maxN int) []PeerSummary {
	if maxN <= 0 {
		return []PeerSummary{}
	}
	now := r.clock.Now()

	r.mu.Lock()
	live := make([]*PeerRecord, 0, len(r.peers))
	for id, rec := range r.peers {
		if id == excludeID {
			continue
		}
		if now.Sub(rec.LastSeen) >= r.timeout {
			continue
		}
		live = append(live, rec)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })
	if len(live) > maxN {
		live = live[:maxN]
	}
	out := make([]PeerSummary, 0, len(live))
	for _, rec := range live {
		out = append(out, rec.Summary())
	}
	r.mu.Unlock()
	return out
}

// EvictStale removes every record whose last contact is older than the peer
// timeout relative to now and reports how many were removed.
func (r *Registry) EvictStale(now mclock.AbsTime) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, rec := range r.peers {
		if now.Sub(rec.LastSeen) > r.timeout {
			delete(r.peers, id)
			evicted++
		}
	}
	return evicted
}

// Get returns a copy of the record with the given identifier.
func (r *Registry) Get(id string) (PeerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.peers[id]
	if rec == nil {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Len reports the number of records, live or not yet reaped.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Registry) evictOldestLocked() {
	var (
		victim string
		oldest mclock.AbsTime
		found  bool
	)
	for id, rec := range r.peers {
		if !found || rec.LastSeen < oldest || (rec.LastSeen == oldest && id < victim) {
			victim = id
			oldest = rec.LastSeen
			found = true
		}
	}
	if found {
		delete(r.peers, victim)
	}
}
