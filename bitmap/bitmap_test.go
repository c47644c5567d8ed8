package bitmap

import (
	"path/filepath"
	"testing"
)

func TestAnonymousBasic(t *testing.T) {
	b, err := New(32)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close(false)

	if b.LenBits() != 256 {
		t.Fatalf("LenBits() = %d, want 256", b.LenBits())
	}

	b.Set(5, 1)
	if got := b.Get(5); got != 1 {
		t.Fatalf("Get(5) = %d, want 1", got)
	}
	if got := b.Get(4); got != 0 {
		t.Fatalf("Get(4) = %d, want 0", got)
	}
}

func TestFileBackedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.mmap")

	b, err := New(4096, WithPath(path))
	if err != nil {
		t.Fatal(err)
	}
	b.Set(1000, 1)
	if err := b.Close(true); err != nil {
		t.Fatal(err)
	}

	reopened, err := New(4096, WithPath(path))
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close(false)

	if got := reopened.Get(1000); got != 1 {
		t.Fatalf("Get(1000) after reopen = %d, want 1", got)
	}
}

func TestByteIndexing(t *testing.T) {
	b, err := New(8)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close(false)

	for i := int64(0); i < b.LenBits(); i++ {
		b.Set(i, 1)
		slice, err := b.GetSlice(i/8, i/8+1)
		if err != nil {
			t.Fatal(err)
		}
		want := byte(1) << uint(7-(i%8))
		if slice[0] != want {
			t.Fatalf("bit %d: byte = %08b, want %08b", i, slice[0], want)
		}
		b.Set(i, 0)
	}
}

func TestSetBitExclusive(t *testing.T) {
	b, err := New(32)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close(false)

	for i := int64(0); i < b.LenBits(); i++ {
		b.Set(i, 1)
		for j := int64(0); j < b.LenBits(); j++ {
			want := 0
			if j == i {
				want = 1
			}
			if got := b.Get(j); got != want {
				t.Fatalf("after setting bit %d, Get(%d) = %d, want %d", i, j, got, want)
			}
		}
		b.Set(i, 0)
	}
}

func TestGetSliceSetSlice(t *testing.T) {
	b, err := New(16)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close(false)

	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := b.SetSlice(4, 8, data); err != nil {
		t.Fatal(err)
	}
	got, err := b.GetSlice(4, 8)
	if err != nil {
		t.Fatal(err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("GetSlice[%d] = %#x, want %#x", i, got[i], data[i])
		}
	}
}

func TestSetSliceWrongLength(t *testing.T) {
	b, err := New(16)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close(false)

	if err := b.SetSlice(0, 4, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for mismatched slice length")
	}
}

func TestGetSliceOutOfRange(t *testing.T) {
	b, err := New(16)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close(false)

	if _, err := b.GetSlice(10, 20); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestInvalidSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for zero size")
	}
	if _, err := New(-1); err == nil {
		t.Fatal("expected error for negative size")
	}
}

func TestCloseIdempotent(t *testing.T) {
	b, err := New(16)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Close(false); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(false); err != nil {
		t.Fatalf("second Close() should be a no-op, got %v", err)
	}
}

func TestAnonymousFlushIsNoop(t *testing.T) {
	b, err := New(16)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close(false)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() on anonymous bitmap should succeed, got %v", err)
	}
}

func TestFileBackedShortFileZeroExtended(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.mmap")

	// Create a short file first.
	b, err := New(10, WithPath(path))
	if err != nil {
		t.Fatal(err)
	}
	b.Close(true)

	// Reopen with a larger size; the short file must be zero-extended,
	// not left short or mapped with garbage past EOF.
	b2, err := New(4096, WithPath(path))
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close(false)

	if b2.SizeBytes() != 4096 {
		t.Fatalf("SizeBytes() = %d, want 4096", b2.SizeBytes())
	}
	for i := int64(80); i < b2.LenBits(); i += 37 {
		if got := b2.Get(i); got != 0 {
			t.Fatalf("zero-extended region bit %d = %d, want 0", i, got)
		}
	}
}
