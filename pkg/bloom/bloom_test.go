package bloom

import (
	"fmt"
	"testing"
)

func TestStatic_InsertedKeysAlwaysFound(t *testing.T) {
	f := NewStatic(StaticParams{TargetErrorRate: 0.01, Capacity: 1000})

	keys := make([][]byte, 500)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		f.InsertNew(keys[i])
	}

	for _, k := range keys {
		if !f.MightContain(k) {
			t.Fatalf("expected MightContain(%s) to be true after insert", k)
		}
	}
}

func TestStatic_EmptyFilterRejectsEverything(t *testing.T) {
	f := NewStatic(DefaultStaticParams())
	if f.MightContain([]byte("anything")) {
		t.Fatal("expected an empty filter to never claim membership")
	}
}

func TestStatic_GoodTracksCapacity(t *testing.T) {
	f := NewStatic(StaticParams{TargetErrorRate: 0.01, Capacity: 4})
	for i := 0; i < 4; i++ {
		if !f.Good() {
			t.Fatalf("expected Good() before reaching capacity at i=%d", i)
		}
		f.InsertNew([]byte(fmt.Sprintf("k%d", i)))
	}
	if f.Good() {
		t.Fatal("expected Good() to be false once capacity is reached")
	}
}

func TestHashCount(t *testing.T) {
	cases := []struct {
		p    float64
		want uint64
	}{
		{0.5, 1},
		{0.25, 2},
		{0.01, 7},
	}
	for _, c := range cases {
		if got := HashCount(c.p); got != c.want {
			t.Errorf("HashCount(%v) = %d, want %d", c.p, got, c.want)
		}
	}
}

func TestScalable_GrowsPastInitialCapacity(t *testing.T) {
	params := ScalableParams{
		StaticParams:    StaticParams{TargetErrorRate: 0.05, Capacity: 8},
		TighteningRatio: 0.9,
		ScalingFactor:   2,
	}
	f := NewScalable(params)

	const n = 100
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		f.Insert(keys[i])
	}

	if len(f.filters) < 2 {
		t.Fatalf("expected the scalable filter to have grown, got %d sub-filters", len(f.filters))
	}
	for _, k := range keys {
		if !f.MightContain(k) {
			t.Fatalf("expected MightContain(%s) to be true after insert", k)
		}
	}
}

func TestScalable_InsertReportsExistingMembership(t *testing.T) {
	f := NewScalable(DefaultScalableParams())
	if already := f.Insert([]byte("k")); already {
		t.Fatal("expected first insert to report not-already-present")
	}
	if already := f.Insert([]byte("k")); !already {
		t.Fatal("expected second insert of the same key to report already-present")
	}
}
