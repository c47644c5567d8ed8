// Package bferrors holds the error-kind sentinels shared by the bitmap,
// bloom and scaling packages. Callers use errors.Is against these
// sentinels to branch on the kind of failure rather than matching on
// error text.
package bferrors

import "errors"

var (
	// ErrInvalidArgument marks a programmer error in construction
	// parameters: non-positive sizes, k < 1, a probability outside
	// (0, 1), or a bitmap too small to hold the bloom filter header.
	ErrInvalidArgument = errors.New("bloomstore: invalid argument")

	// ErrIO marks a failure from the underlying OS: file open/extend/
	// close, mmap, munmap, msync or fsync. Call sites wrap ErrIO with %w
	// and include the underlying OS error's text with %v; the OS error
	// value itself is not wrapped, so errors.Is and errors.As reach
	// ErrIO but not the original error.
	ErrIO = errors.New("bloomstore: io error")

	// ErrIndexOutOfRange marks a bit or byte-range access outside the
	// bounds of a Bitmap. This is a programmer error, not a recoverable
	// condition.
	ErrIndexOutOfRange = errors.New("bloomstore: index out of range")
)
