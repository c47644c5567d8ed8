package scaling

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"
)

func TestGrowthAcrossLayers(t *testing.T) {
	sf, err := New(1000, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	defer sf.Close()

	for i := 0; i < 2000; i++ {
		if _, err := sf.Add([]byte(fmt.Sprintf("test%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	if sf.Len() != 2000 {
		t.Fatalf("Len() = %d, want 2000", sf.Len())
	}
	if sf.TotalCapacity() <= 1000 {
		t.Fatalf("TotalCapacity() = %d, want > 1000", sf.TotalCapacity())
	}
	if sf.NumLayers() < 2 {
		t.Fatalf("NumLayers() = %d, want >= 2", sf.NumLayers())
	}
}

func TestContainsAfterAdd(t *testing.T) {
	sf, err := New(1000, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	defer sf.Close()

	for i := 0; i < 3000; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if _, err := sf.Add(key); err != nil {
			t.Fatal(err)
		}
		if !sf.Contains(key) {
			t.Fatalf("key k%d not found immediately after Add", i)
		}
	}
}

func TestBitmapFactoryCallback(t *testing.T) {
	dir := t.TempDir()
	counter := 0
	factory := func() (string, error) {
		counter++
		return filepath.Join(dir, fmt.Sprintf("layer%d.mmap", counter)), nil
	}

	sf, err := New(1000, 0.01, WithBitmapFactory(factory))
	if err != nil {
		t.Fatal(err)
	}
	defer sf.Close()

	if counter != 1 {
		t.Fatalf("factory calls after construction = %d, want 1", counter)
	}

	for i := 0; i < 2000; i++ {
		if _, err := sf.Add([]byte(fmt.Sprintf("key-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	if counter != 2 {
		t.Fatalf("factory calls after 2000 adds = %d, want 2 (exactly one growth event)", counter)
	}
}

func TestProbabilityBoundDefaults(t *testing.T) {
	sf, err := New(1000, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	defer sf.Close()

	wantP0 := 0.01 * 0.1
	got := sf.layers[0].filter.Stats()
	_ = got // k/count not directly comparable to p0; check via latestProb instead
	if math.Abs(sf.latestProb-wantP0) > 1e-15 {
		t.Fatalf("p0 = %v, want %v", sf.latestProb, wantP0)
	}
}

func TestFalsePositiveRateUnderScaling(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large probabilistic test in -short mode")
	}

	const prob = 0.01
	sf, err := New(10_000, prob)
	if err != nil {
		t.Fatal(err)
	}
	defer sf.Close()

	const n = 100_000
	for i := 0; i < n; i++ {
		if _, err := sf.Add([]byte(fmt.Sprintf("member-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	falsePositives := 0
	for i := 0; i < n; i++ {
		if sf.Contains([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / n
	if rate > 2*prob {
		t.Fatalf("observed false positive rate %.4f exceeds 2*prob=%.4f", rate, 2*prob)
	}
}

func TestInvalidConstruction(t *testing.T) {
	if _, err := New(0, 0.01); err == nil {
		t.Fatal("expected error for zero initial capacity")
	}
	if _, err := New(1000, 0); err == nil {
		t.Fatal("expected error for non-positive prob")
	}
	if _, err := New(1000, 1.0); err == nil {
		t.Fatal("expected error for prob >= 1")
	}
	if _, err := New(1000, 0.01, WithScaleSize(1)); err == nil {
		t.Fatal("expected error for scale_size < 2")
	}
	if _, err := New(1000, 0.01, WithScaleProb(1.0)); err == nil {
		t.Fatal("expected error for scale_prob >= 1")
	}
}
