// Command bloomctl exercises the bitmap/bloom/scaling packages end to
// end against a file-backed Scalable Bloom Filter, the way
// cmd/benchmark drove the teacher's indexer end to end in one shot.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "demo":
		err = cmdDemo(os.Args[2:])
	case "export":
		err = cmdExport(os.Args[2:])
	case "import":
		err = cmdImport(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "bloomctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: bloomctl <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  demo <dir> [initial_capacity] [prob] [num_keys]")
	fmt.Println("      build a file-backed scaling filter in dir, add num_keys")
	fmt.Println("      generated keys, verify membership, and print per-layer stats.")
	fmt.Println("  export <dir> <out.bfsnap.lz4>")
	fmt.Println("      bundle and lz4-compress every layer file in dir for backup.")
	fmt.Println("  import <in.bfsnap.lz4> <dir>")
	fmt.Println("      restore layer files from a snapshot produced by export.")
}
