// Package memtable implements the concurrent, lock-free sorted in-memory
// table that absorbs writes ahead of an SSTable flush.
//
// It is a probabilistic skip list of fixed maximum height, realized as an
// index+arena pair rather than deep pointer inheritance: the memtable owns a
// pre-allocated array of record slots, and each node carries only a 32-bit
// slot index, updated atomically on overwrite. All pointer links and the
// slot-reservation counter are sequentially-consistent atomics; there are no
// locks on the hot insert/lookup path.
package memtable

import (
	"bytes"
	"sync/atomic"

	"lsmdb/pkg/config"
)

// Item is a (key, value) pair drained from a sealed memtable's bottom-level
// chain, in ascending key order, for handing to the SSTable writer.
type Item struct {
	Key   []byte
	Value []byte
}

// Memtable is a concurrent sorted map from key to record. Construction
// pre-allocates cfg.WritesBeforeLock record slots; slot indices are never
// recycled.
type Memtable struct {
	head *Node

	records [][]byte

	nextRecord    atomic.Uint32
	dataSize      atomic.Uint64
	totalDataSize atomic.Uint64
	sealed        atomic.Bool

	writesBeforeLock uint32
	dataLimit        uint64
	totalDataLimit   uint64
}

// New allocates an empty memtable sized per cfg. Zero-valued fields in cfg
// fall back to the defaults from the external interfaces table.
func New(cfg config.MemtableConfig) *Memtable {
	limit := cfg.WritesBeforeLock
	if limit == 0 {
		limit = 2000
	}
	dataLimit := cfg.DataLimitBytes
	if dataLimit == 0 {
		dataLimit = 16 * config.MiB
	}
	totalLimit := cfg.TotalDataLimitBytes
	if totalLimit == 0 {
		totalLimit = 160 * config.MiB
	}

	m := &Memtable{
		records:          make([][]byte, limit),
		writesBeforeLock: limit,
		dataLimit:        dataLimit,
		totalDataLimit:   totalLimit,
	}
	m.head = newNode(m, nil, maxLevel-1, -1)
	return m
}

func (m *Memtable) recordAt(idx int32) []byte {
	return m.records[idx]
}

// Locked reports whether the memtable has crossed a growth threshold, or was
// explicitly sealed, and therefore rejects further inserts. Sealing is
// idempotent.
func (m *Memtable) Locked() bool {
	return m.sealed.Load() ||
		m.totalDataSize.Load() >= m.totalDataLimit ||
		m.nextRecord.Load() >= m.writesBeforeLock ||
		m.dataSize.Load() >= m.dataLimit
}

// Seal explicitly locks the memtable against further inserts.
func (m *Memtable) Seal() { m.sealed.Store(true) }

// Empty reports whether no record has ever been reserved.
func (m *Memtable) Empty() bool { return m.nextRecord.Load() == 0 }

// DataSize returns the current live-data byte count (the size of values
// still reachable from the current node chain, after overwrites are
// accounted for).
func (m *Memtable) DataSize() uint64 { return m.dataSize.Load() }

// Insert adds key/value, returning the node that now holds the winning
// value for key and true, or (nil, false) if the memtable is sealed or its
// record array is exhausted; callers must seal-and-rotate and retry in that
// case.
//
// A concurrent insert of the same key resolves by record index: whichever
// writer reserved the larger index wins. If a losing writer's index is
// smaller than the current holder's, its node is discarded and the winner's
// node is returned; equal indices for the same key are impossible by
// construction and indicate a reservation-counter bug.
func (m *Memtable) Insert(key, value []byte) (*Node, bool) {
	if m.Locked() {
		return nil, false
	}

	r := m.nextRecord.Add(1) - 1
	if r >= m.writesBeforeLock {
		return nil, false
	}

	buf := append([]byte(nil), value...)
	m.records[r] = buf
	m.totalDataSize.Add(uint64(len(buf)))

	level := randomLevel()
	newN := newNode(m, key, level, int32(r))

	var updates [maxLevel]*Node
	var updateNexts [maxLevel]*Node

search:
	pred := m.head
	for lvl := maxLevel - 1; lvl >= 0; lvl-- {
		for {
			succ := pred.loadNext(lvl)
			if succ != nil && bytes.Compare(succ.key, key) < 0 {
				pred = succ
				continue
			}
			break
		}

		if lvl <= level {
			updates[lvl] = pred
			updateNexts[lvl] = pred.loadNext(lvl)
		}

		if lvl == 0 {
			if succ := pred.loadNext(0); succ != nil && bytes.Equal(succ.key, key) {
				return m.resolveDuplicate(succ, int32(r), buf)
			}
		}
	}

	for lvl := level; lvl >= 0; lvl-- {
		if updateNexts[lvl] == newN {
			// already spliced in at this level by a prior, partially
			// successful attempt; re-linking would point the node at itself.
			continue
		}
		newN.next[lvl].Store(updateNexts[lvl])
		if !updates[lvl].casNext(lvl, updateNexts[lvl], newN) {
			goto search
		}
	}

	m.dataSize.Add(uint64(len(buf)))
	return newN, true
}

// resolveDuplicate handles a concurrent insert racing against an existing
// node for the same key, per the record-index comparison rule.
func (m *Memtable) resolveDuplicate(existing *Node, r int32, buf []byte) (*Node, bool) {
	for {
		old := existing.recordIdx.Load()
		if old > r {
			// a concurrent later writer already won; our reservation is
			// simply abandoned (slot indices are never recycled).
			return existing, true
		}
		if old == r {
			panic("memtable: observed equal record indices for the same key")
		}

		if existing.recordIdx.CompareAndSwap(old, r) {
			m.dataSize.Add(uint64(len(buf)))
			m.subtractDataSize(uint64(len(m.records[old])))
			return existing, true
		}
	}
}

func (m *Memtable) subtractDataSize(n uint64) {
	m.dataSize.Add(^(n - 1))
}

// Get performs a top-down search identical to Insert's, returning the
// node's current record on an exact match.
func (m *Memtable) Get(key []byte) ([]byte, bool) {
	n := m.head
	for lvl := maxLevel - 1; lvl >= 0; lvl-- {
		for {
			succ := n.loadNext(lvl)
			if succ != nil && bytes.Compare(succ.key, key) < 0 {
				n = succ
				continue
			}
			break
		}
	}

	succ := n.loadNext(0)
	if succ != nil && bytes.Equal(succ.key, key) {
		return succ.Value(), true
	}
	return nil, false
}

// Sorted drains the bottom-level chain in ascending key order. The memtable
// should be sealed before calling this; it is meaningless to snapshot a
// table still accepting concurrent inserts.
func (m *Memtable) Sorted() []Item {
	var items []Item
	for n := m.head.loadNext(0); n != nil; n = n.loadNext(0) {
		items = append(items, Item{Key: n.key, Value: n.Value()})
	}
	return items
}
