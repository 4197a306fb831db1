package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"lsmdb/pkg/config"
)

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.WAL.BaseDir = filepath.Join(dir, "wal")
	cfg.SSTable.BaseDir = filepath.Join(dir, "sstable")
	cfg.Memtable.WritesBeforeLock = 50
	cfg.Memtable.DataLimitBytes = 1 << 16
	cfg.Memtable.TotalDataLimitBytes = 1 << 16
	cfg.Store.BackgroundActivityPeriod = 5 * time.Millisecond
	cfg.Store.MemtableHistory = 1
	cfg.Bloom.Enabled = true
	cfg.Bloom.Capacity = 100
	return cfg
}

func TestStore_PutGet(t *testing.T) {
	s, err := Open(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	v, ok, err := s.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || string(v) != "v1" {
		t.Fatalf("expected v1, got %q ok=%v", v, ok)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s, err := Open(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	_, ok, err := s.Get([]byte("missing"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Fatal("expected a miss")
	}
}

func TestStore_Overwrite(t *testing.T) {
	s, err := Open(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put([]byte("k1"), []byte("v2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	v, ok, err := s.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || string(v) != "v2" {
		t.Fatalf("expected v2, got %q ok=%v", v, ok)
	}
}

func TestStore_SurvivesRestartAfterFlush(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// enough puts to seal and rotate the memtable at least once
	for i := 0; i < int(cfg.Memtable.WritesBeforeLock)+10; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		if err := s.Put(k, []byte("v")); err != nil {
			t.Fatalf("Put failed at %d: %v", i, err)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	for i := 0; i < int(cfg.Memtable.WritesBeforeLock)+10; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		v, ok, err := reopened.Get(k)
		if err != nil {
			t.Fatalf("Get failed for %s: %v", k, err)
		}
		if !ok || string(v) != "v" {
			t.Fatalf("expected to recover %s after restart, got ok=%v v=%q", k, ok, v)
		}
	}
}

func TestStore_ClosedRejectsOperations(t *testing.T) {
	s, err := Open(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := s.Put([]byte("k"), []byte("v")); err == nil {
		t.Fatal("expected Put to fail once closed")
	}
	if _, _, err := s.Get([]byte("k")); err == nil {
		t.Fatal("expected Get to fail once closed")
	}
}

func TestStore_EmptyKeyPermitted(t *testing.T) {
	s, err := Open(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.Put([]byte(""), []byte("v")); err != nil {
		t.Fatalf("expected an empty key to be storable, got: %v", err)
	}
	v, ok, err := s.Get([]byte(""))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected the empty key to be found")
	}
	if string(v) != "v" {
		t.Fatalf("expected value %q, got %q", "v", v)
	}
}

func TestStore_KeyWithNewlineRejected(t *testing.T) {
	s, err := Open(testConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.Put([]byte("bad\nkey"), []byte("v")); err == nil {
		t.Fatal("expected an error for a key containing a newline")
	}
}
