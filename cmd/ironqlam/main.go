// Command ironqlam is a standalone QLAM frame encode/decode/dump CLI, for
// inspecting the wire frames internal/qdepth produces without needing a
// running ironfwd node.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/galpt/ironcore/internal/bin"
	"github.com/galpt/ironcore/internal/qdepth"
)

// Version is overridden at build-time.
var Version = "dev"

func main() {
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "encode":
		runEncode(os.Args[2:])
	case "decode":
		runDecode(os.Args[2:])
	case "-version", "--version":
		fmt.Printf("ironqlam %s\n", Version)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "ironqlam %s\n\n", Version)
	fmt.Fprintf(os.Stderr, `Usage:
  %[1]s encode [-size N] bin:total:ls [bin:total:ls ...]
      Encode the given (bin, total-bytes, ls-bytes) triples into a QLAM
      frame and print it as hex on stdout.

  %[1]s decode [-size N] [frame-hex]
      Decode a QLAM frame (hex on the command line, or read from stdin if
      omitted) and print one "bin total ls" line per non-zero bin.
`, os.Args[0])
}

// runEncode implements the "encode" subcommand, building a QLAM frame via
// qdepth.QueueDepths.Serialize.
func runEncode(args []string) {
	fs := flag.NewFlagSet("encode", flag.ExitOnError)
	size := fs.Int("size", 256, "number of bins to size the frame's backing store for")
	_ = fs.Parse(args)

	q := qdepth.New(*size)
	for _, triple := range fs.Args() {
		idx, total, ls, err := parseTriple(triple)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ironqlam encode: %v\n", err)
			os.Exit(1)
		}
		if err := q.SetBinDepthByIdx(idx, total, ls); err != nil {
			fmt.Fprintf(os.Stderr, "ironqlam encode: %v\n", err)
			os.Exit(1)
		}
	}

	buf := make([]byte, 3+255*6)
	n, numPairs, err := q.Serialize(buf, len(buf))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ironqlam encode: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "# seq=%d pairs=%d bytes=%d\n", q.Seq(), numPairs, n)
	fmt.Println(hex.EncodeToString(buf[:n]))
}

// runDecode implements the "decode" subcommand: the inverse of encode, via
// qdepth.QueueDepths.Deserialize.
func runDecode(args []string) {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	size := fs.Int("size", 256, "number of bins to size the frame's backing store for")
	_ = fs.Parse(args)

	var frameHex string
	if fs.NArg() > 0 {
		frameHex = fs.Arg(0)
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ironqlam decode: reading stdin: %v\n", err)
			os.Exit(1)
		}
		frameHex = strings.TrimSpace(string(data))
	}

	raw, err := hex.DecodeString(frameHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ironqlam decode: %v\n", err)
		os.Exit(1)
	}

	q := qdepth.New(*size)
	seq, numPairs, err := q.Deserialize(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ironqlam decode: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("# seq=%d pairs=%d\n", seq, numPairs)
	for i := 0; i < q.StoreSize(); i++ {
		idx := bin.Index(i)
		d := q.Get(idx)
		if d.Total == 0 && d.LS == 0 {
			continue
		}
		fmt.Printf("%d %d %d\n", idx, d.Total, d.LS)
	}
}

// parseTriple parses a "bin:total:ls" argument as used by the encode
// subcommand.
func parseTriple(s string) (idx bin.Index, total, ls uint32, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("%q: expected bin:total:ls", s)
	}
	b, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%q: bad bin: %w", s, err)
	}
	t, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%q: bad total: %w", s, err)
	}
	l, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%q: bad ls: %w", s, err)
	}
	return bin.Index(b), uint32(t), uint32(l), nil
}
