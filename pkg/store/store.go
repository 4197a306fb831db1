// Package store coordinates the memtable, WAL, and SSTable layers into a
// single embedded key-value store: puts land in the active memtable and are
// durably logged to the WAL; reads check the active memtable, then sealed
// but not-yet-flushed memtables newest first, then on-disk SSTables newest
// first; a background loop periodically flushes sealed memtables once too
// many have piled up.
package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"lsmdb/pkg/bloom"
	"lsmdb/pkg/clock"
	"lsmdb/pkg/config"
	"lsmdb/pkg/dberrors"
	"lsmdb/pkg/listener"
	"lsmdb/pkg/memtable"
	"lsmdb/pkg/sstable"
	"lsmdb/pkg/wal"
)

// historyNode is one sealed, not-yet-flushed memtable on the history stack,
// newest at the head.
type historyNode struct {
	table *memtable.Memtable
	next  *historyNode
}

// sstableEntry is one on-disk table known to the store, newest first.
type sstableEntry struct {
	path string
	// fromPreviousRun is true for tables discovered at Open rather than
	// built by this process's own flushes. The bloom filter only reflects
	// keys Put or replayed from the WAL during this process's lifetime, so
	// lookups never skip
	// scanning a table from a previous run on the strength of a bloom miss.
	fromPreviousRun bool
}

// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	cfg config.Config

	active atomic.Pointer[memtable.Memtable]
	history atomic.Pointer[historyNode]

	wal atomic.Pointer[wal.WAL]

	sstMu    sync.RWMutex
	sstables []*sstableEntry

	pendingWALMu sync.Mutex
	pendingWAL   []string

	walClk *clock.FilenameClock
	sstClk *clock.FilenameClock

	bloom   *bloom.Scalable
	bloomMu sync.Mutex

	ticker     *time.Ticker
	tickCh     chan time.Time
	background *listener.Listener[time.Time]

	flushCount          clock.AtomicClock
	bloomChecks         clock.AtomicClock
	bloomFalsePositives clock.AtomicClock

	closed atomic.Bool
}

// Open recovers a store rooted at cfg's configured directories, replaying
// any WAL files left from a previous run before accepting new writes.
func Open(cfg config.Config) (*Store, error) {
	if cfg.WAL.BaseDir == "" {
		cfg.WAL.BaseDir = "./data"
	}
	if cfg.SSTable.BaseDir == "" {
		cfg.SSTable.BaseDir = "./data"
	}

	s := &Store{
		cfg:    cfg,
		walClk: &clock.FilenameClock{},
		sstClk: &clock.FilenameClock{},
	}

	if cfg.Bloom.Enabled {
		s.bloom = bloom.NewScalable(bloom.ScalableParams{
			StaticParams: bloom.StaticParams{
				TargetErrorRate: cfg.Bloom.FPRate,
				Capacity:        cfg.Bloom.Capacity,
			},
			TighteningRatio: cfg.Bloom.TighteningRatio,
			ScalingFactor:   cfg.Bloom.ScalingFactor,
		})
	}

	if err := s.recover(); err != nil {
		return nil, err
	}

	sstFiles, err := sstable.ListFiles(cfg.SSTable.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("store: list sstables: %w", err)
	}
	for _, p := range sstFiles {
		s.sstables = append(s.sstables, &sstableEntry{path: p, fromPreviousRun: true})
	}
	// sstable filenames are nanosecond timestamps; sorting descending gives
	// newest-first, matching the read-path scan order.
	sortDescending(s.sstables)

	s.startBackground()
	return s, nil
}

func sortDescending(entries []*sstableEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].path > entries[j-1].path; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// recover replays every WAL file under cfg.WAL.BaseDir into a chain of
// memtables (sealing and rotating as each fills), then seals whatever
// recovered data landed in the final memtable and starts a fresh, empty
// active memtable backed by a brand-new WAL file. The replayed WAL files are
// kept on disk (in pendingWAL) until the recovered memtables are flushed to
// SSTables, so a second crash before that flush loses nothing.
func (s *Store) recover() error {
	active := memtable.New(s.cfg.Memtable)
	var chain []*memtable.Memtable // oldest first

	walFiles, err := wal.ListFiles(s.cfg.WAL.BaseDir)
	if err != nil {
		return fmt.Errorf("store: list wal files: %w", err)
	}

	for _, path := range walFiles {
		err := wal.Load(path, func(key, value []byte) error {
			if s.bloom != nil {
				s.bloom.Insert(key)
			}
			for {
				if _, ok := active.Insert(key, value); ok {
					return nil
				}
				active.Seal()
				chain = append(chain, active)
				active = memtable.New(s.cfg.Memtable)
			}
		})
		if err != nil {
			return fmt.Errorf("store: replay %s: %w", path, err)
		}
	}

	if !active.Empty() {
		active.Seal()
		chain = append(chain, active)
	}

	// push oldest-first chain onto the history stack so it pops newest-first
	for _, t := range chain {
		s.pushHistory(t)
	}

	s.pendingWAL = walFiles

	freshWAL, err := wal.New(s.cfg.WAL, s.walClk)
	if err != nil {
		return fmt.Errorf("store: open wal: %w", err)
	}
	s.wal.Store(freshWAL)
	s.active.Store(memtable.New(s.cfg.Memtable))
	return nil
}

func (s *Store) pushHistory(t *memtable.Memtable) {
	for {
		old := s.history.Load()
		n := &historyNode{table: t, next: old}
		if s.history.CompareAndSwap(old, n) {
			return
		}
	}
}

func (s *Store) historyDepth() int {
	n := 0
	for h := s.history.Load(); h != nil; h = h.next {
		n++
	}
	return n
}

// Put inserts or overwrites key with value, returning once the write is
// durably logged. If the active memtable is full, Put seals it and rotates
// in a fresh one, retrying the insert; cfg.Store.PutRetryLimit bounds how
// many times this can happen before giving up with ErrMemtableBusy (0 means
// unbounded).
func (s *Store) Put(key, value []byte) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if bytes.IndexByte(key, '\n') >= 0 {
		return dberrors.ErrKeyContainsNewline
	}

	retries := 0
	for {
		active := s.active.Load()
		node, ok := active.Insert(key, value)
		if ok {
			w := s.wal.Load()
			if err := w.Log(key, node.Value()); err != nil {
				return fmt.Errorf("store: wal log: %w", err)
			}
			if s.bloom != nil {
				s.bloomMu.Lock()
				s.bloom.Insert(key)
				s.bloomMu.Unlock()
			}
			return nil
		}

		if s.cfg.Store.PutRetryLimit > 0 {
			retries++
			if retries > s.cfg.Store.PutRetryLimit {
				return dberrors.ErrMemtableBusy
			}
		}
		s.sealAndRotate(active)
	}
}

func (s *Store) sealAndRotate(old *memtable.Memtable) {
	old.Seal()
	fresh := memtable.New(s.cfg.Memtable)
	if s.active.CompareAndSwap(old, fresh) {
		s.pushHistory(old)
	}
}

// Get returns the current value for key, or (nil, false, nil) if absent.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, dberrors.ErrClosed
	}

	if v, ok := s.active.Load().Get(key); ok {
		return v, true, nil
	}
	for h := s.history.Load(); h != nil; h = h.next {
		if v, ok := h.table.Get(key); ok {
			return v, true, nil
		}
	}

	mightBeFlushed := true
	if s.bloom != nil {
		s.bloomMu.Lock()
		mightBeFlushed = s.bloom.MightContain(key)
		s.bloomMu.Unlock()
		s.bloomChecks.Add(1)
	}

	s.sstMu.RLock()
	defer s.sstMu.RUnlock()
	for _, e := range s.sstables {
		if !e.fromPreviousRun && !mightBeFlushed {
			continue
		}
		v, ok, err := sstable.Get(e.path, key)
		if err != nil {
			slog.Warn("sstable read failed, skipping", "path", e.path, "error", err)
			continue
		}
		if ok {
			return v, true, nil
		}
	}
	if s.bloom != nil && mightBeFlushed {
		s.bloomFalsePositives.Add(1)
	}
	return nil, false, nil
}

// FlushCount returns the number of times the coordinator has flushed its
// sealed-memtable history to SSTables, including the final flush in Close.
func (s *Store) FlushCount() uint64 { return s.flushCount.Load() }

// BloomStats reports how many lookups consulted the Bloom filter and how
// many of those turned out to be false positives (the filter claimed the
// key might be on disk, but no SSTable actually had it).
func (s *Store) BloomStats() (checks, falsePositives uint64) {
	return s.bloomChecks.Load(), s.bloomFalsePositives.Load()
}

// HistoryDepth reports how many sealed memtables are awaiting a flush.
func (s *Store) HistoryDepth() int { return s.historyDepth() }

// flushMemtables seals the active memtable and pushes it to history, then
// drains the entire sealed-memtable history stack, writing each as a new
// SSTable (oldest first, so filename timestamps stay in insertion order),
// rotates in a fresh WAL, and removes both the rotated-out WAL and any WAL
// files left over from the recovery pass -- everything they held is now
// durable on disk as SSTables. Sealing the active memtable first is what
// makes it safe to delete the WAL that is its only other copy: without it,
// puts sitting in the active memtable would be logged only to the WAL this
// call is about to remove.
func (s *Store) flushMemtables() error {
	if active := s.active.Load(); !active.Empty() {
		s.sealAndRotate(active)
	}

	freshWAL, err := wal.New(s.cfg.WAL, s.walClk)
	if err != nil {
		return fmt.Errorf("store: rotate wal: %w", err)
	}
	oldWAL := s.wal.Swap(freshWAL)

	head := s.history.Swap(nil)

	var chain []*memtable.Memtable
	for n := head; n != nil; n = n.next {
		chain = append(chain, n.table)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	for _, t := range chain {
		if t.Empty() {
			continue
		}
		path := sstable.Path(s.cfg.SSTable, s.sstClk)
		if err := sstable.Build(t.Sorted(), path, s.cfg.SSTable.MaxBlockSizeBytes); err != nil {
			return fmt.Errorf("store: build sstable: %w", err)
		}
		s.sstMu.Lock()
		s.sstables = append([]*sstableEntry{{path: path}}, s.sstables...)
		s.sstMu.Unlock()
	}

	if err := oldWAL.Remove(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove flushed wal: %w", err)
	}

	s.pendingWALMu.Lock()
	pending := s.pendingWAL
	s.pendingWAL = nil
	s.pendingWALMu.Unlock()
	for _, p := range pending {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove recovered wal file", "path", p, "error", err)
		}
	}

	s.flushCount.Add(1)
	return nil
}

func (s *Store) startBackground() {
	period := s.cfg.Store.BackgroundActivityPeriod
	if period <= 0 {
		period = 50 * time.Millisecond
	}
	s.ticker = time.NewTicker(period)
	s.tickCh = make(chan time.Time, 1)

	go func() {
		for t := range s.ticker.C {
			select {
			case s.tickCh <- t:
			default:
			}
		}
	}()

	s.background = listener.New(s.tickCh, s.onTick)
	s.background.Start(context.Background())
}

func (s *Store) onTick(time.Time) error {
	limit := s.cfg.Store.MemtableHistory
	if limit <= 0 {
		limit = 2
	}
	if s.historyDepth() > limit {
		if err := s.flushMemtables(); err != nil {
			slog.Error("background flush failed", "error", err)
		}
	}
	return nil
}

// Close stops the background flush loop, performs one final flush that also
// seals and flushes whatever is left in the active memtable, and closes the
// resulting fresh WAL.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.ticker.Stop()
	s.background.Stop()

	if err := s.flushMemtables(); err != nil {
		return fmt.Errorf("store: final flush: %w", err)
	}
	return s.wal.Load().Close()
}
