package connmgr

import (
	"net/netip"
	"sync"

	"github.com/OneOfOne/xxhash"
)

// Lookup is the abstract connection table spec.md §1 treats as external
// ("the lookup table... abstract capability") and §6 names concretely
// (find_by_dest_cid, find_by_remote_addr, add_source_cid, remove_source_cid,
// remove_connection, move, maximize_partitioning).
type Lookup interface {
	FindByDestCID(cid []byte) (*Conn, bool)
	FindByRemoteAddr(remote netip.AddrPort) (*Conn, bool)

	// AddSourceCID inserts conn under cid. If an entry already exists for
	// cid, the existing connection is returned and conn is NOT inserted
	// (spec.md §4.5 step 6: "on collision the lookup returns the existing
	// connection").
	AddSourceCID(cid []byte, conn *Conn) (existing *Conn, inserted bool)

	RemoveSourceCID(cid []byte)
	RemoveConnection(conn *Conn)

	// Move transfers every source CID entry belonging to conn from the
	// shard space of one partitioning generation to another; used during
	// MaximizePartitioning's regrow and (in the full system) connection
	// migration between bindings.
	Move(conn *Conn)

	// MaximizePartitioning grows the shard count. Called by the listener
	// registry after registering into a previously empty list (spec.md
	// §4.1): "after releasing the lock the binding calls
	// lookup.maximize_partitioning(); if it fails, the listener is
	// unregistered and registration returns false."
	MaximizePartitioning() bool
}

const (
	minShards = 1
	maxShards = 64
)

type shard struct {
	mu    sync.RWMutex
	byCID map[string]*Conn
}

// ShardedLookup is a Lookup implementation sharded by a hash of the
// connection ID so independent connections rarely contend on the same
// shard lock, matching spec.md §5's requirement that wire-level
// demultiplexing avoid lock contention on the hot receive path. Sharding
// uses xxhash (github.com/OneOfOne/xxhash), which the teacher module
// already pulls in transitively via VictoriaMetrics/metrics; it is an
// excellent fit for hashing short, attacker-influenced CID byte strings on
// the hot path, being both fast and not needing cryptographic strength
// (unkeyed CID hashing is not a DoS vector here: bucket counts are capped
// and lookups are O(1) regardless of adversarial CID choice).
type ShardedLookup struct {
	mu     sync.RWMutex // guards shards (replaced wholesale by MaximizePartitioning)
	shards []*shard

	byRemoteMu sync.RWMutex
	byRemote   map[netip.AddrPort]*Conn
}

// NewShardedLookup creates a lookup table with the given initial shard
// count (rounded into [minShards, maxShards]).
func NewShardedLookup(initialShards int) *ShardedLookup {
	if initialShards < minShards {
		initialShards = minShards
	}
	if initialShards > maxShards {
		initialShards = maxShards
	}
	l := &ShardedLookup{
		byRemote: make(map[netip.AddrPort]*Conn),
	}
	l.shards = make([]*shard, initialShards)
	for i := range l.shards {
		l.shards[i] = &shard{byCID: make(map[string]*Conn)}
	}
	return l
}

func (l *ShardedLookup) shardFor(cid []byte, shards []*shard) *shard {
	h := xxhash.Checksum64(cid)
	return shards[h%uint64(len(shards))]
}

func (l *ShardedLookup) currentShards() []*shard {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.shards
}

func (l *ShardedLookup) FindByDestCID(cid []byte) (*Conn, bool) {
	shards := l.currentShards()
	sh := l.shardFor(cid, shards)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c, ok := sh.byCID[string(cid)]
	return c, ok
}

func (l *ShardedLookup) FindByRemoteAddr(remote netip.AddrPort) (*Conn, bool) {
	l.byRemoteMu.RLock()
	defer l.byRemoteMu.RUnlock()
	c, ok := l.byRemote[remote]
	return c, ok
}

func (l *ShardedLookup) AddSourceCID(cid []byte, conn *Conn) (*Conn, bool) {
	shards := l.currentShards()
	sh := l.shardFor(cid, shards)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	key := string(cid)
	if existing, ok := sh.byCID[key]; ok {
		return existing, false
	}
	sh.byCID[key] = conn
	conn.AddRef(RefLookup)

	l.byRemoteMu.Lock()
	l.byRemote[conn.RemoteAddr()] = conn
	l.byRemoteMu.Unlock()

	return nil, true
}

func (l *ShardedLookup) RemoveSourceCID(cid []byte) {
	shards := l.currentShards()
	sh := l.shardFor(cid, shards)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if c, ok := sh.byCID[string(cid)]; ok {
		delete(sh.byCID, string(cid))
		c.Release(RefLookup)
	}
}

func (l *ShardedLookup) RemoveConnection(conn *Conn) {
	for _, cid := range conn.SourceCIDs() {
		l.RemoveSourceCID(cid)
	}

	l.byRemoteMu.Lock()
	if c, ok := l.byRemote[conn.RemoteAddr()]; ok && c == conn {
		delete(l.byRemote, conn.RemoteAddr())
	}
	l.byRemoteMu.Unlock()
}

func (l *ShardedLookup) Move(conn *Conn) {
	// Re-insert conn's CIDs against the current shard generation; a no-op
	// unless MaximizePartitioning ran concurrently, in which case this
	// ensures conn is reachable under the new shard count.
	for _, cid := range conn.SourceCIDs() {
		shards := l.currentShards()
		sh := l.shardFor(cid, shards)
		sh.mu.Lock()
		if _, ok := sh.byCID[string(cid)]; !ok {
			sh.byCID[string(cid)] = conn
		}
		sh.mu.Unlock()
	}
}

// MaximizePartitioning doubles the shard count (up to maxShards) and
// rehashes every existing entry into the new shard space.
func (l *ShardedLookup) MaximizePartitioning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	old := l.shards
	n := len(old) * 2
	if n > maxShards {
		if len(old) >= maxShards {
			return true // already at the cap; nothing to do, not a failure
		}
		n = maxShards
	}

	next := make([]*shard, n)
	for i := range next {
		next[i] = &shard{byCID: make(map[string]*Conn)}
	}
	for _, sh := range old {
		sh.mu.RLock()
		for cid, conn := range sh.byCID {
			h := xxhash.Checksum64([]byte(cid))
			ns := next[h%uint64(len(next))]
			ns.byCID[cid] = conn
		}
		sh.mu.RUnlock()
	}

	l.shards = next
	return true
}
