// Package bloom implements a partitioned, k-hash Bloom filter layered
// over a bitmap.Bitmap, with a small persistent header (count and k)
// embedded in the trailing bytes of the bitmap so the filter survives
// reopening.
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/csvquery/bloomstore/bitmap"
	"github.com/csvquery/bloomstore/internal/bferrors"
)

// HeaderBytes is the size, in bytes, of the trailing count+k header
// embedded in the underlying bitmap: 8 bytes little-endian count, then
// 4 bytes little-endian k.
const HeaderBytes = 12

// Filter is a partitioned Bloom filter: each of its k hash functions
// targets its own disjoint, contiguous bit range ("partition") of
// width offset within the bitmap's storage region.
type Filter struct {
	bm             *bitmap.Bitmap
	k              uint32
	bitmapSizeBits int64
	offset         int64
	count          uint64
}

// New constructs a Filter over an existing Bitmap. If the bitmap's
// header is freshly zeroed (stored k == 0), k is installed as the
// filter's hash count and the header is flushed immediately. Otherwise
// the stored k is authoritative and the k argument is ignored, so
// reopening a filter is safe regardless of what the caller passes.
func New(bm *bitmap.Bitmap, k uint32) (*Filter, error) {
	if bm.SizeBytes() <= HeaderBytes {
		return nil, fmt.Errorf("%w: bitmap of %d bytes too small to hold the %d-byte header", bferrors.ErrInvalidArgument, bm.SizeBytes(), HeaderBytes)
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be >= 1, got %d", bferrors.ErrInvalidArgument, k)
	}

	bitmapSizeBits := 8*bm.SizeBytes() - 8*HeaderBytes

	storedCount, storedK, err := readHeader(bm, bitmapSizeBits)
	if err != nil {
		return nil, err
	}

	f := &Filter{bm: bm, bitmapSizeBits: bitmapSizeBits}
	fresh := storedK == 0
	if fresh {
		f.k = k
		f.count = 0
	} else {
		f.k = storedK
		f.count = storedCount
	}

	f.offset = bitmapSizeBits / int64(f.k)
	if f.offset <= 0 {
		return nil, fmt.Errorf("%w: k=%d leaves no room in a %d-bit partition space", bferrors.ErrInvalidArgument, f.k, bitmapSizeBits)
	}

	if fresh {
		if err := f.writeHeader(); err != nil {
			return nil, err
		}
		if err := bm.Flush(); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// ForCapacity builds an anonymous (or opts-configured) Bitmap sized by
// ParamsForCapacity(n, p) and constructs a Filter over it.
func ForCapacity(n uint64, p float64, opts ...bitmap.Option) (*Filter, error) {
	totalBytes, k := ParamsForCapacity(n, p)
	bm, err := bitmap.New(int64(totalBytes), opts...)
	if err != nil {
		return nil, err
	}
	f, err := New(bm, k)
	if err != nil {
		_ = bm.Close(false)
		return nil, err
	}
	return f, nil
}

func headerByteOffset(bitmapSizeBits int64) int64 {
	return bitmapSizeBits / 8
}

func readHeader(bm *bitmap.Bitmap, bitmapSizeBits int64) (count uint64, k uint32, err error) {
	off := headerByteOffset(bitmapSizeBits)
	buf, err := bm.GetSlice(off, off+HeaderBytes)
	if err != nil {
		return 0, 0, err
	}
	count = binary.LittleEndian.Uint64(buf[0:8])
	k = binary.LittleEndian.Uint32(buf[8:12])
	return count, k, nil
}

func (f *Filter) writeHeader() error {
	buf := make([]byte, HeaderBytes)
	binary.LittleEndian.PutUint64(buf[0:8], f.count)
	binary.LittleEndian.PutUint32(buf[8:12], f.k)
	off := headerByteOffset(f.bitmapSizeBits)
	return f.bm.SetSlice(off, off+HeaderBytes, buf)
}

// bitIndex returns the partitioned bit index for hash slot j (its
// partition starts at j*offset) given hash value h.
func (f *Filter) bitIndex(j int, h uint64) int64 {
	return int64(j)*f.offset + int64(h%uint64(f.offset))
}

// Add inserts key. If checkFirst is true and the filter already
// contains key, Add does nothing and returns false. Otherwise it sets
// the k partitioned bits (idempotently), increments count, and returns
// true — count therefore tracks insertion attempts deemed novel, not
// true cardinality: with checkFirst=false and duplicate keys, count can
// exceed the number of distinct keys ever added.
func (f *Filter) Add(key []byte, checkFirst bool) bool {
	if checkFirst && f.Contains(key) {
		return false
	}
	for j, h := range computeHashes(key, int(f.k)) {
		f.bm.Set(f.bitIndex(j, h), 1)
	}
	f.count++
	return true
}

// Contains reports whether every one of the k partitioned bits for key
// is set.
func (f *Filter) Contains(key []byte) bool {
	for j, h := range computeHashes(key, int(f.k)) {
		if f.bm.Get(f.bitIndex(j, h)) == 0 {
			return false
		}
	}
	return true
}

// Len returns count, the number of successful Add calls.
func (f *Filter) Len() uint64 {
	return f.count
}

// K returns the number of hash functions in use (the stored k when
// reopened, or the caller's k for a freshly created filter).
func (f *Filter) K() uint32 {
	return f.k
}

// Stats is a read-only snapshot of a Filter's parameters, useful for
// CLI reporting without reaching into unexported fields.
type Stats struct {
	Count          uint64
	K              uint32
	BitmapSizeBits int64
	Offset         int64
}

// Stats returns a snapshot of the filter's current parameters.
func (f *Filter) Stats() Stats {
	return Stats{Count: f.count, K: f.k, BitmapSizeBits: f.bitmapSizeBits, Offset: f.offset}
}

// Flush writes count into the header and flushes the underlying
// Bitmap.
func (f *Filter) Flush() error {
	if err := f.writeHeader(); err != nil {
		return err
	}
	return f.bm.Flush()
}

// Close flushes and closes the underlying Bitmap.
func (f *Filter) Close() error {
	if err := f.Flush(); err != nil {
		_ = f.bm.Close(false)
		return err
	}
	return f.bm.Close(false)
}

// ln2Squared is (ln 2)^2, used throughout the capacity/probability
// formulas below.
var ln2Squared = math.Ln2 * math.Ln2

// RequiredBits returns ceil(-n*ln(p) / (ln 2)^2), the number of bits
// needed to hold n items at false-positive probability p.
func RequiredBits(n uint64, p float64) uint64 {
	bits := -float64(n) * math.Log(p) / ln2Squared
	return uint64(math.Ceil(bits))
}

// RequiredBytes returns ceil(RequiredBits(n, p) / 8).
func RequiredBytes(n uint64, p float64) uint64 {
	return uint64(math.Ceil(float64(RequiredBits(n, p)) / 8))
}

// ExpectedProbability returns the expected false-positive probability
// of a filter with the given number of storage bits after n inserts:
// e^(-(bits/n) * (ln 2)^2).
func ExpectedProbability(bits, n uint64) float64 {
	return math.Exp(-(float64(bits) / float64(n)) * ln2Squared)
}

// ExpectedCapacity returns the number of items a filter with the given
// number of storage bits can hold at false-positive probability p:
// -bits/ln(p) * (ln 2)^2.
func ExpectedCapacity(bits uint64, p float64) float64 {
	return -float64(bits) / math.Log(p) * ln2Squared
}

// IdealK returns the ideal (real-valued) number of hash functions for
// the given number of storage bits and expected item count: ln(2) *
// bits/n.
func IdealK(bits, n uint64) float64 {
	return math.Ln2 * float64(bits) / float64(n)
}

// ExtraBuffer returns the number of header bytes a caller must add on
// top of RequiredBytes(n, p) when sizing a Bitmap by hand.
func ExtraBuffer() uint64 {
	return HeaderBytes
}

// ParamsForCapacity returns the total bitmap size in bytes (storage
// bits rounded up to bytes, plus the header) and the ideal k for
// capacity n at false-positive probability p.
func ParamsForCapacity(n uint64, p float64) (totalBytes uint64, k uint32) {
	bytes := RequiredBytes(n, p)
	idealK := uint32(math.Ceil(IdealK(bytes*8, n)))
	if idealK < 1 {
		idealK = 1
	}
	return bytes + HeaderBytes, idealK
}
