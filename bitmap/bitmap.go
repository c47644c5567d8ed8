// Package bitmap implements a bit-addressable view over a fixed-size
// byte region, optionally backed by a memory-mapped file.
//
// Bit i lives at byte i>>3, bit position 7-(i%8) — most-significant-bit
// first within each byte. That ordering is part of the on-disk format:
// anything that reads a bitmap file directly must replicate it exactly.
package bitmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/csvquery/bloomstore/internal/bferrors"
)

// Sharing controls whether writes to a file-backed Bitmap are visible
// to other mappings of the same file (Shared) or kept private to this
// process via copy-on-write (Private). Anonymous bitmaps are always
// Private regardless of what the caller asks for.
type Sharing int

const (
	Shared Sharing = iota
	Private
)

// zeroExtendChunk bounds how much zero-fill is appended to a short
// file per iteration of the zero-extension loop.
const zeroExtendChunk = 100_000

// backing distinguishes an anonymous mapping from a file-backed one.
type backing struct {
	anonymous bool
	path      string
	file      *os.File
}

// Bitmap is a bit-addressable view over size_bytes of memory, either
// anonymous or mapped from a file. It owns its mapping exclusively;
// nothing outside the owner should read or write addr directly.
type Bitmap struct {
	sizeBytes int64
	backing   backing
	sharing   Sharing
	addr      []byte
}

// Option configures a Bitmap at construction time.
type Option func(*config)

type config struct {
	path    string
	private bool
}

// WithPath backs the Bitmap by the file at path, creating it if
// necessary and zero-extending it to sizeBytes before mapping.
func WithPath(path string) Option {
	return func(c *config) { c.path = path }
}

// WithPrivate requests copy-on-write sharing for a file-backed Bitmap.
// It has no effect on anonymous bitmaps, which are always Private.
func WithPrivate() Option {
	return func(c *config) { c.private = true }
}

// New creates a Bitmap of the given size. With no options the mapping
// is anonymous. With WithPath, the file is opened or created, zero-
// extended to sizeBytes (§4.1's zero-extension protocol), and mapped
// with the requested sharing mode.
func New(sizeBytes int64, opts ...Option) (bm *Bitmap, err error) {
	if sizeBytes <= 0 {
		return nil, fmt.Errorf("%w: size_bytes must be positive, got %d", bferrors.ErrInvalidArgument, sizeBytes)
	}

	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.path == "" {
		return newAnonymous(sizeBytes)
	}
	return newFileBacked(sizeBytes, cfg.path, cfg.private)
}

func newAnonymous(sizeBytes int64) (*Bitmap, error) {
	addr, err := unix.Mmap(-1, 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap anonymous: %v", bferrors.ErrIO, err)
	}
	return &Bitmap{
		sizeBytes: sizeBytes,
		backing:   backing{anonymous: true},
		sharing:   Private,
		addr:      addr,
	}, nil
}

func newFileBacked(sizeBytes int64, path string, private bool) (*Bitmap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", bferrors.ErrIO, path, err)
	}

	if err := zeroExtend(f, sizeBytes); err != nil {
		_ = f.Close()
		return nil, err
	}

	sharing := Shared
	mapFlags := unix.MAP_SHARED
	if private {
		sharing = Private
		mapFlags = unix.MAP_PRIVATE
	}

	addr, err := unix.Mmap(int(f.Fd()), 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE, mapFlags)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", bferrors.ErrIO, path, err)
	}

	return &Bitmap{
		sizeBytes: sizeBytes,
		backing:   backing{path: path, file: f},
		sharing:   sharing,
		addr:      addr,
	}, nil
}

// zeroExtend grows f to at least sizeBytes by repeatedly appending up
// to zeroExtendChunk zero bytes and re-stat'ing. Calling mmap on a
// short file and then writing past EOF is undefined on some
// platforms, so the file is fully extended before it is ever mapped.
func zeroExtend(f *os.File, sizeBytes int64) error {
	for {
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("%w: stat %s: %v", bferrors.ErrIO, f.Name(), err)
		}
		diff := sizeBytes - info.Size()
		if diff <= 0 {
			return nil
		}
		n := diff
		if n > zeroExtendChunk {
			n = zeroExtendChunk
		}
		if _, err := f.WriteAt(make([]byte, n), info.Size()); err != nil {
			return fmt.Errorf("%w: extend %s: %v", bferrors.ErrIO, f.Name(), err)
		}
	}
}

// LenBits returns the number of addressable bits, 8*size_bytes.
func (b *Bitmap) LenBits() int64 {
	return 8 * b.sizeBytes
}

// SizeBytes returns the size of the mapped region in bytes.
func (b *Bitmap) SizeBytes() int64 {
	return b.sizeBytes
}

// Sharing reports whether the mapping is Shared or Private.
func (b *Bitmap) Sharing() Sharing {
	return b.sharing
}

// Get returns 0 or 1 for bit i. i out of [0, LenBits()) is a
// programmer error and panics.
func (b *Bitmap) Get(i int64) int {
	byteIdx := i >> 3
	bitPos := uint(7 - (i % 8))
	return int((b.addr[byteIdx] >> bitPos) & 1)
}

// Set writes bit i. Any nonzero v is treated as 1.
func (b *Bitmap) Set(i int64, v int) {
	byteIdx := i >> 3
	bitPos := uint(7 - (i % 8))
	if v != 0 {
		b.addr[byteIdx] |= 1 << bitPos
	} else {
		b.addr[byteIdx] &^= 1 << bitPos
	}
}

// GetSlice returns a copy of the bytes in [i, j).
func (b *Bitmap) GetSlice(i, j int64) ([]byte, error) {
	if i < 0 || j > b.sizeBytes || i >= j {
		return nil, fmt.Errorf("%w: get_slice(%d, %d) out of bounds for size %d", bferrors.ErrIndexOutOfRange, i, j, b.sizeBytes)
	}
	out := make([]byte, j-i)
	copy(out, b.addr[i:j])
	return out, nil
}

// SetSlice writes data into byte range [i, j). len(data) must equal
// j-i.
func (b *Bitmap) SetSlice(i, j int64, data []byte) error {
	if i < 0 || j > b.sizeBytes || i >= j {
		return fmt.Errorf("%w: set_slice(%d, %d) out of bounds for size %d", bferrors.ErrIndexOutOfRange, i, j, b.sizeBytes)
	}
	if int64(len(data)) != j-i {
		return fmt.Errorf("%w: set_slice(%d, %d) needs %d bytes, got %d", bferrors.ErrInvalidArgument, i, j, j-i, len(data))
	}
	copy(b.addr[i:j], data)
	return nil
}

// Flush synchronously msyncs the mapping and fsyncs the file
// descriptor when file-backed. Anonymous maps return nil without
// issuing any syscall.
func (b *Bitmap) Flush() error {
	if b.backing.anonymous {
		return nil
	}
	if err := unix.Msync(b.addr, unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync %s: %v", bferrors.ErrIO, b.backing.path, err)
	}
	if err := b.backing.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", bferrors.ErrIO, b.backing.path, err)
	}
	return nil
}

// Close unmaps the region and, if file-backed, closes the file. When
// flush is true it calls Flush first. Close is idempotent: calling it
// again on an already-closed Bitmap is a no-op.
func (b *Bitmap) Close(flush bool) error {
	if b.addr == nil {
		return nil
	}

	var flushErr error
	if flush {
		flushErr = b.Flush()
	}

	munmapErr := unix.Munmap(b.addr)
	b.addr = nil

	var closeErr error
	if !b.backing.anonymous {
		closeErr = b.backing.file.Close()
		b.backing.file = nil
	}

	if flushErr != nil {
		return flushErr
	}
	if munmapErr != nil {
		return fmt.Errorf("%w: munmap: %v", bferrors.ErrIO, munmapErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: close %s: %v", bferrors.ErrIO, b.backing.path, closeErr)
	}
	return nil
}
