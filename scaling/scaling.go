// Package scaling implements a Scalable Bloom Filter: an ordered,
// growing sequence of bloom.Filters that tightens its per-layer
// false-positive probability geometrically so the aggregate rate stays
// bounded no matter how many layers accumulate.
package scaling

import (
	"fmt"

	"github.com/csvquery/bloomstore/bitmap"
	"github.com/csvquery/bloomstore/bloom"
	"github.com/csvquery/bloomstore/internal/bferrors"
)

// BitmapFactory produces a path usable to create a new file-backed
// Bitmap for a growth layer. It takes no arguments — express any state
// it needs (a counter, a directory, a naming scheme) as a closure over
// that state rather than reaching for process-global mutable state.
type BitmapFactory func() (string, error)

// layer pairs a BloomFilter with the item capacity it was sized for,
// since Filter itself has no notion of a target capacity once built.
type layer struct {
	filter   *bloom.Filter
	capacity uint64
}

// Filter is a Scalable Bloom Filter. Only the newest layer is ever
// written to; older layers are read-only.
type Filter struct {
	initialCapacity uint64
	prob            float64
	scaleSize       uint64
	scaleProb       float64
	factory         BitmapFactory
	layers          []*layer
	latestProb      float64
}

// Option configures a Filter at construction time.
type Option func(*Filter)

// WithScaleSize overrides the default geometric capacity growth factor
// (4).
func WithScaleSize(n uint64) Option {
	return func(f *Filter) { f.scaleSize = n }
}

// WithScaleProb overrides the default per-layer probability tightening
// factor (0.9).
func WithScaleProb(p float64) Option {
	return func(f *Filter) { f.scaleProb = p }
}

// WithBitmapFactory supplies the callback used to materialize a
// file-backed Bitmap for each layer. Without this option every layer's
// Bitmap is anonymous.
func WithBitmapFactory(factory BitmapFactory) Option {
	return func(f *Filter) { f.factory = factory }
}

// New constructs a Filter and immediately builds its first layer with
// capacity = initialCapacity and per-layer probability p0 = prob *
// (1 - scaleProb). p0 is the 0.4.1 correctness fix: choosing p0 this
// way bounds the infinite geometric sum of per-layer probabilities at
// prob, rather than at prob/(1-scaleProb) as the buggy pᵢ = prob *
// scaleProb^i formulation would.
func New(initialCapacity uint64, prob float64, opts ...Option) (*Filter, error) {
	if initialCapacity < 1 {
		return nil, fmt.Errorf("%w: initial_capacity must be >= 1, got %d", bferrors.ErrInvalidArgument, initialCapacity)
	}
	if prob <= 0 || prob >= 1 {
		return nil, fmt.Errorf("%w: prob must be in (0, 1), got %v", bferrors.ErrInvalidArgument, prob)
	}

	f := &Filter{
		initialCapacity: initialCapacity,
		prob:            prob,
		scaleSize:       4,
		scaleProb:       0.9,
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.scaleSize < 2 {
		return nil, fmt.Errorf("%w: scale_size must be >= 2 for capacity to actually grow, got %d", bferrors.ErrInvalidArgument, f.scaleSize)
	}
	if f.scaleProb <= 0 || f.scaleProb >= 1 {
		return nil, fmt.Errorf("%w: scale_prob must be in (0, 1), got %v", bferrors.ErrInvalidArgument, f.scaleProb)
	}

	p0 := prob * (1 - f.scaleProb)
	first, err := f.newLayer(initialCapacity, p0)
	if err != nil {
		return nil, err
	}
	f.layers = append(f.layers, first)
	f.latestProb = p0

	return f, nil
}

func (f *Filter) newLayer(capacity uint64, p float64) (*layer, error) {
	totalBytes, k := bloom.ParamsForCapacity(capacity, p)

	var opts []bitmap.Option
	if f.factory != nil {
		path, err := f.factory()
		if err != nil {
			return nil, fmt.Errorf("%w: bitmap factory: %v", bferrors.ErrIO, err)
		}
		opts = append(opts, bitmap.WithPath(path))
	}

	bm, err := bitmap.New(int64(totalBytes), opts...)
	if err != nil {
		return nil, err
	}
	bf, err := bloom.New(bm, k)
	if err != nil {
		_ = bm.Close(false)
		return nil, err
	}
	return &layer{filter: bf, capacity: capacity}, nil
}

// Add inserts key into the newest layer, with checkFirst=true so a key
// the newest layer already holds is not re-added. It does not consult
// older layers first, so a duplicate present only in an older layer is
// accepted into the newest layer as if novel. After a successful add, if the
// newest layer's count reaches its capacity, a new, larger, tighter-
// probability layer is appended.
//
// Add returns an error (unlike the filter-level Add) because growing
// can fail: a new layer means a new Bitmap, which can fail to open,
// zero-extend, or map.
func (f *Filter) Add(key []byte) (bool, error) {
	newest := f.layers[len(f.layers)-1]
	added := newest.filter.Add(key, true)

	if newest.filter.Len() >= newest.capacity {
		if err := f.grow(newest); err != nil {
			return added, err
		}
	}

	return added, nil
}

func (f *Filter) grow(latest *layer) error {
	capPrime := latest.capacity * f.scaleSize
	pPrime := f.latestProb * f.scaleProb

	next, err := f.newLayer(capPrime, pPrime)
	if err != nil {
		return err
	}
	f.layers = append(f.layers, next)
	f.latestProb = pPrime
	return nil
}

// Contains reports whether any layer contains key, probing from
// newest to oldest for cache locality: most recently added keys tend
// to land in the newest layer.
func (f *Filter) Contains(key []byte) bool {
	for i := len(f.layers) - 1; i >= 0; i-- {
		if f.layers[i].filter.Contains(key) {
			return true
		}
	}
	return false
}

// Len returns the sum of every layer's count.
func (f *Filter) Len() uint64 {
	var total uint64
	for _, l := range f.layers {
		total += l.filter.Len()
	}
	return total
}

// TotalCapacity returns the sum of every layer's target capacity.
func (f *Filter) TotalCapacity() uint64 {
	var total uint64
	for _, l := range f.layers {
		total += l.capacity
	}
	return total
}

// NumLayers returns the number of BloomFilter layers currently held.
func (f *Filter) NumLayers() int {
	return len(f.layers)
}

// LayerStats is a read-only snapshot of one layer's parameters.
type LayerStats struct {
	Capacity uint64
	Filter   bloom.Stats
}

// Stats returns a snapshot of every layer's parameters, oldest first.
func (f *Filter) Stats() []LayerStats {
	out := make([]LayerStats, len(f.layers))
	for i, l := range f.layers {
		out[i] = LayerStats{Capacity: l.capacity, Filter: l.filter.Stats()}
	}
	return out
}

// Flush flushes every layer, returning the first error encountered
// after attempting all of them.
func (f *Filter) Flush() error {
	var firstErr error
	for _, l := range f.layers {
		if err := l.filter.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every layer, returning the first error encountered
// after attempting all of them.
func (f *Filter) Close() error {
	var firstErr error
	for _, l := range f.layers {
		if err := l.filter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
