package memtable

import (
	"fmt"
	"sync"
	"testing"

	"lsmdb/pkg/config"
)

func testConfig() config.MemtableConfig {
	return config.MemtableConfig{
		WritesBeforeLock:    1000,
		DataLimitBytes:      1 << 20,
		TotalDataLimitBytes: 1 << 20,
	}
}

func TestMemtable_PutGet(t *testing.T) {
	m := New(testConfig())

	if _, ok := m.Insert([]byte("a"), []byte("1")); !ok {
		t.Fatal("Insert failed on fresh memtable")
	}

	v, ok := m.Get([]byte("a"))
	if !ok {
		t.Fatal("expected to find key a")
	}
	if string(v) != "1" {
		t.Fatalf("expected value 1, got %q", v)
	}
}

func TestMemtable_GetMissing(t *testing.T) {
	m := New(testConfig())
	if _, ok := m.Get([]byte("missing")); ok {
		t.Fatal("expected miss on empty memtable")
	}
}

func TestMemtable_Overwrite(t *testing.T) {
	m := New(testConfig())

	if _, ok := m.Insert([]byte("a"), []byte("1")); !ok {
		t.Fatal("first insert failed")
	}
	if _, ok := m.Insert([]byte("a"), []byte("2")); !ok {
		t.Fatal("overwrite insert failed")
	}

	v, ok := m.Get([]byte("a"))
	if !ok || string(v) != "2" {
		t.Fatalf("expected overwritten value 2, got %q ok=%v", v, ok)
	}

	if len(m.Sorted()) != 1 {
		t.Fatalf("expected exactly one node after overwrite, got %d", len(m.Sorted()))
	}
}

func TestMemtable_SortedOrder(t *testing.T) {
	m := New(testConfig())
	keys := []string{"delta", "alpha", "charlie", "bravo"}
	for _, k := range keys {
		if _, ok := m.Insert([]byte(k), []byte(k)); !ok {
			t.Fatalf("insert %s failed", k)
		}
	}

	items := m.Sorted()
	if len(items) != len(keys) {
		t.Fatalf("expected %d items, got %d", len(keys), len(items))
	}
	for i := 1; i < len(items); i++ {
		if string(items[i-1].Key) >= string(items[i].Key) {
			t.Fatalf("items not sorted: %s >= %s", items[i-1].Key, items[i].Key)
		}
	}
}

func TestMemtable_LocksOnWriteCount(t *testing.T) {
	cfg := testConfig()
	cfg.WritesBeforeLock = 4
	m := New(cfg)

	for i := 0; i < 4; i++ {
		if _, ok := m.Insert([]byte(fmt.Sprintf("k%d", i)), []byte("v")); !ok {
			t.Fatalf("insert %d should have succeeded", i)
		}
	}

	if !m.Locked() {
		t.Fatal("expected memtable to be locked after hitting WritesBeforeLock")
	}
	if _, ok := m.Insert([]byte("overflow"), []byte("v")); ok {
		t.Fatal("expected insert to fail once locked")
	}
}

func TestMemtable_SealBlocksInsert(t *testing.T) {
	m := New(testConfig())
	m.Seal()
	if _, ok := m.Insert([]byte("a"), []byte("1")); ok {
		t.Fatal("expected insert to fail on sealed memtable")
	}
}

func TestMemtable_ConcurrentInserts(t *testing.T) {
	cfg := testConfig()
	cfg.WritesBeforeLock = 10000
	m := New(cfg)

	const n = 500
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := []byte(fmt.Sprintf("key-%04d", i))
			if _, ok := m.Insert(k, []byte("v")); !ok {
				t.Errorf("insert %d failed", i)
			}
		}(i)
	}
	wg.Wait()

	items := m.Sorted()
	if len(items) != n {
		t.Fatalf("expected %d items, got %d", n, len(items))
	}
	for i := 1; i < len(items); i++ {
		if string(items[i-1].Key) >= string(items[i].Key) {
			t.Fatalf("items not sorted at index %d", i)
		}
	}
}

func TestMemtable_ConcurrentOverwriteKeepsSingleNode(t *testing.T) {
	m := New(testConfig())

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, ok := m.Insert([]byte("shared"), []byte(fmt.Sprintf("v%d", i))); !ok {
				t.Errorf("insert %d failed", i)
			}
		}(i)
	}
	wg.Wait()

	items := m.Sorted()
	if len(items) != 1 {
		t.Fatalf("expected exactly one node for the shared key, got %d", len(items))
	}
}
