package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/csvquery/bloomstore/scaling"
)

// cmdDemo builds a file-backed scaling.Filter inside dir, adds
// numKeys generated keys, verifies every one is still a member, probes
// an equal number of keys known to be absent, and prints per-layer
// stats plus throughput. It mirrors cmd/benchmark's generate-then-run
// shape: one invocation, synthetic data, a timed pass, a report.
func cmdDemo(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: bloomctl demo <dir> [initial_capacity] [prob] [num_keys]")
	}
	dir := args[0]
	initialCapacity := uint64(1000)
	prob := 0.01
	numKeys := 5000

	if len(args) > 1 {
		v, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("initial_capacity: %w", err)
		}
		initialCapacity = v
	}
	if len(args) > 2 {
		v, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("prob: %w", err)
		}
		prob = v
	}
	if len(args) > 3 {
		v, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("num_keys: %w", err)
		}
		numKeys = v
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	layerIdx := 0
	factory := func() (string, error) {
		path := filepath.Join(dir, fmt.Sprintf("layer%d.mmap", layerIdx))
		layerIdx++
		return path, nil
	}

	sf, err := scaling.New(initialCapacity, prob, scaling.WithBitmapFactory(factory))
	if err != nil {
		return fmt.Errorf("new scaling filter: %w", err)
	}
	defer sf.Close()

	fmt.Printf("Building scaling filter in %s (initial_capacity=%d prob=%v)\n", dir, initialCapacity, prob)
	rng := rand.New(rand.NewSource(1))
	keys := make([][]byte, numKeys)
	for i := range keys {
		keys[i] = fmt.Appendf(nil, "key-%d-%d", i, rng.Intn(1<<30))
	}

	start := time.Now()
	for _, k := range keys {
		if _, err := sf.Add(k); err != nil {
			return fmt.Errorf("add: %w", err)
		}
	}
	addElapsed := time.Since(start)

	missing := 0
	for _, k := range keys {
		if !sf.Contains(k) {
			missing++
		}
	}
	if missing > 0 {
		return fmt.Errorf("%d of %d inserted keys reported absent", missing, numKeys)
	}

	falsePositives := 0
	for i := 0; i < numKeys; i++ {
		absent := fmt.Appendf(nil, "absent-%d-%d", i, rng.Intn(1<<30))
		if sf.Contains(absent) {
			falsePositives++
		}
	}

	if err := sf.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	fmt.Printf("Inserted %d keys in %v (%.0f keys/sec)\n", numKeys, addElapsed, float64(numKeys)/addElapsed.Seconds())
	fmt.Printf("Observed false positive rate over %d probes: %.4f\n", numKeys, float64(falsePositives)/float64(numKeys))
	fmt.Printf("Layers: %d, total capacity: %d, total count: %d\n", sf.NumLayers(), sf.TotalCapacity(), sf.Len())
	for i, ls := range sf.Stats() {
		fmt.Printf("  layer %d: capacity=%d count=%d k=%d bitmap_bits=%d\n", i, ls.Capacity, ls.Filter.Count, ls.Filter.K, ls.Filter.BitmapSizeBits)
	}

	return nil
}

// snapshotMagic tags the uncompressed archive stream so cmdImport can
// fail fast on a file that isn't one of ours.
const snapshotMagic = "BFSNAP01"

// cmdExport bundles every regular file directly inside dir into a
// single length-prefixed record stream, then lz4-compresses that
// stream to out. The on-disk layer format itself is untouched; this is
// a side channel for moving a store between machines, not a
// replacement for the per-layer mmap files.
func cmdExport(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: bloomctl export <dir> <out.bfsnap.lz4>")
	}
	dir, out := args[0], args[1]

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	outFile, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer outFile.Close()

	lzw := lz4.NewWriter(outFile)
	bw := bufio.NewWriter(lzw)

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}
	if err := writeUint32(bw, uint32(len(names))); err != nil {
		return err
	}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if err := writeRecord(bw, name, data); err != nil {
			return err
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush archive buffer: %w", err)
	}
	if err := lzw.Close(); err != nil {
		return fmt.Errorf("close lz4 writer: %w", err)
	}

	fmt.Printf("Exported %d files from %s to %s\n", len(names), dir, out)
	return nil
}

// cmdImport reverses cmdExport, decompressing in and writing each
// contained file back into dir (created if necessary).
func cmdImport(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: bloomctl import <in.bfsnap.lz4> <dir>")
	}
	in, dir := args[0], args[1]

	inFile, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer inFile.Close()

	lzr := lz4.NewReader(inFile)
	br := bufio.NewReader(lzr)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != snapshotMagic {
		return fmt.Errorf("%s is not a bloomstore snapshot archive", in)
	}

	count, err := readUint32(br)
	if err != nil {
		return fmt.Errorf("read record count: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	for i := uint32(0); i < count; i++ {
		name, data, err := readRecord(br)
		if err != nil {
			return fmt.Errorf("read record %d: %w", i, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	fmt.Printf("Imported %d files from %s into %s\n", count, in, dir)
	return nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// writeRecord writes: name length (u32) | name | data length (u32) | data.
func writeRecord(w io.Writer, name string, data []byte) error {
	if err := writeUint32(w, uint32(len(name))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, name); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readRecord(r io.Reader) (name string, data []byte, err error) {
	nameLen, err := readUint32(r)
	if err != nil {
		return "", nil, err
	}
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return "", nil, err
	}
	dataLen, err := readUint32(r)
	if err != nil {
		return "", nil, err
	}
	dataBuf := make([]byte, dataLen)
	if _, err := io.ReadFull(r, dataBuf); err != nil {
		return "", nil, err
	}
	return string(nameBuf), dataBuf, nil
}
