// Package cachedump reads and writes the text form of a device register cache
// and uses it to preheat the cache of a freshly opened device.
//
// The format has one section per register width:
//
//	uint16 registers:
//
//	0x00000010: 0x1234
//
//	uint32 registers:
//
//	0x00000040: 0xdeadbeef
//
// Everything after a '#' is a comment.
package cachedump

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mrf-timing/mrfaccess/pkg/registry"
)

const (
	CommentMarker = '#'

	header16 = "uint16 registers:"
	header32 = "uint32 registers:"
)

// Dump is the content of a register cache.
type Dump struct {
	UInt16 map[uint32]uint16
	UInt32 map[uint32]uint32
}

func New() *Dump {
	return &Dump{
		UInt16: make(map[uint32]uint16),
		UInt32: make(map[uint32]uint32),
	}
}

// FromCache takes a snapshot of c.
func FromCache(c *registry.Cache) *Dump {
	return &Dump{
		UInt16: c.SnapshotUInt16(),
		UInt32: c.SnapshotUInt32(),
	}
}

func (d *Dump) String() string {
	return fmt.Sprintf("Cache dump with %d uint16 and %d uint32 registers", len(d.UInt16), len(d.UInt32))
}

func sortedAddresses[T uint16 | uint32](m map[uint32]T) []uint32 {
	addrs := make([]uint32, 0, len(m))
	for a := range m {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Write prints d with ascending addresses.
func Write(w io.Writer, d *Dump) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\n\n", header16)
	for _, a := range sortedAddresses(d.UInt16) {
		fmt.Fprintf(bw, "0x%08x: 0x%04x\n", a, d.UInt16[a])
	}
	fmt.Fprintf(bw, "\n\n%s\n\n", header32)
	for _, a := range sortedAddresses(d.UInt32) {
		fmt.Fprintf(bw, "0x%08x: 0x%08x\n", a, d.UInt32[a])
	}
	return bw.Flush()
}

func FromFile(path string) (*Dump, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func parseNumber(s string, bits int) (uint64, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, fmt.Errorf("%q is not a hexadecimal number", s)
	}
	return strconv.ParseUint(s[2:], 16, bits)
}

// Parse reads a dump as written by Write. Registers listed twice keep the
// last value.
func Parse(r io.Reader) (*Dump, error) {
	d := New()
	width := 0
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if commentPos := strings.IndexByte(line, CommentMarker); commentPos != -1 {
			line = line[:commentPos]
		}
		line = strings.TrimSpace(line)

		switch line {
		case "":
			continue
		case header16:
			width = 16
			continue
		case header32:
			width = 32
			continue
		}
		if width == 0 {
			return nil, fmt.Errorf("register before the first section in line %d: %q", lineNum, line)
		}

		addrPos := strings.Index(line, ":")
		if addrPos == -1 {
			return nil, fmt.Errorf("no address info found in line %d", lineNum)
		}
		addr, err := parseNumber(strings.TrimSpace(line[:addrPos]), 32)
		if err != nil {
			return nil, fmt.Errorf("cannot parse address in line %d: %v", lineNum, err)
		}
		value, err := parseNumber(strings.TrimSpace(line[addrPos+1:]), width)
		if err != nil {
			return nil, fmt.Errorf("cannot parse value in line %d: %v", lineNum, err)
		}
		if width == 16 {
			d.UInt16[uint32(addr)] = uint16(value)
		} else {
			d.UInt32[uint32(addr)] = uint32(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

// Block is a run of adjacent registers of one width.
type Block struct {
	Start  uint32
	Length uint32
	Width  int
}

func (b Block) String() string {
	return fmt.Sprintf("[0x%08x, 0x%08x) uint%d", b.Start, b.Start+b.Length, b.Width)
}

func blocks(addrs []uint32, width int) []Block {
	step := uint32(width / 8)
	var out []Block
	for _, a := range addrs {
		if n := len(out); n > 0 && out[n-1].Start+out[n-1].Length == a {
			out[n-1].Length += step
			continue
		}
		out = append(out, Block{Start: a, Length: step, Width: width})
	}
	return out
}

// Blocks groups the registers of d into runs of adjacent addresses, 16-bit
// registers first.
func (d *Dump) Blocks() []Block {
	out := blocks(sortedAddresses(d.UInt16), 16)
	return append(out, blocks(sortedAddresses(d.UInt32), 32)...)
}

// Preheat reads every register listed in d into c. Registers that cannot be
// read are skipped.
func Preheat(c *registry.Cache, d *Dump) {
	for _, b := range d.Blocks() {
		step := uint32(b.Width / 8)
		for a := b.Start; a-b.Start < b.Length; a += step {
			if b.Width == 16 {
				c.TryCacheUInt16(a)
			} else {
				c.TryCacheUInt32(a)
			}
		}
	}
}
