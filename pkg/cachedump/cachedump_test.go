package cachedump

import (
	"bytes"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/mrf-timing/mrfaccess/pkg/memaccess"
	"github.com/mrf-timing/mrfaccess/pkg/registry"
)

func testFileFullPath(baseName string) string {
	return filepath.Join("..", "..", "testdata", baseName)
}

func TestLoadDump(t *testing.T) {
	testCases := []struct {
		fileName  string
		num16     int
		num32     int
		numBlocks int
		wantError bool
	}{
		{fileName: "evr_cache.txt", num16: 4, num32: 2, numBlocks: 3},
		{fileName: "commented_cache.txt", num16: 2, num32: 3, numBlocks: 2},
		{fileName: "no_section.txt", wantError: true},
		{fileName: "bad_value.txt", wantError: true},
		{fileName: "no_colon.txt", wantError: true},
		{fileName: "does_not_exist.txt", wantError: true},
	}

	for _, tc := range testCases {
		d, err := FromFile(testFileFullPath(tc.fileName))
		if (err != nil) != tc.wantError {
			t.Fatalf("Test %q: %t (%v), want %t", tc.fileName, err != nil, err, tc.wantError)
		}
		if err != nil {
			continue
		}
		if len(d.UInt16) != tc.num16 || len(d.UInt32) != tc.num32 {
			t.Fatalf("Test %q: got %s, want %d and %d registers", tc.fileName, d, tc.num16, tc.num32)
		}
		if n := len(d.Blocks()); n != tc.numBlocks {
			t.Fatalf("Test %q: got %d blocks (%v), want %d", tc.fileName, n, d.Blocks(), tc.numBlocks)
		}
	}
}

func TestParseErrorsNameTheLine(t *testing.T) {
	_, err := Parse(strings.NewReader("uint16 registers:\n\n0x00000010: 0x1234\nnonsense\n"))
	if err == nil || !strings.Contains(err.Error(), "line 4") {
		t.Fatalf("got %v, want an error for line 4", err)
	}
}

func TestWriteThenParse(t *testing.T) {
	d := New()
	d.UInt16[0x12] = 0xabcd
	d.UInt16[0x10] = 0x0001
	d.UInt32[0x80] = 0xcafef00d

	var buf bytes.Buffer
	if err := Write(&buf, d); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	want := "uint16 registers:\n\n0x00000010: 0x0001\n0x00000012: 0xabcd\n\n\nuint32 registers:\n\n0x00000080: 0xcafef00d\n"
	if buf.String() != want {
		t.Fatalf("Write produced:\n%s\nwant:\n%s", buf.String(), want)
	}

	parsed, err := Parse(&buf)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !reflect.DeepEqual(parsed, d) {
		t.Fatalf("got %+v, want %+v", parsed, d)
	}
}

func TestBlocks(t *testing.T) {
	d := New()
	for _, a := range []uint32{0x10, 0x12, 0x14, 0x20} {
		d.UInt16[a] = 0
	}
	for _, a := range []uint32{0x100, 0x104, 0x10c} {
		d.UInt32[a] = 0
	}
	want := []Block{
		{Start: 0x10, Length: 6, Width: 16},
		{Start: 0x20, Length: 2, Width: 16},
		{Start: 0x100, Length: 8, Width: 32},
		{Start: 0x10c, Length: 4, Width: 32},
	}
	if got := d.Blocks(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Blocks() = %v, want %v", got, want)
	}
}

// registerFile answers reads from a map and fails for unknown registers.
type registerFile struct {
	memaccess.NoInterrupts
	values map[uint32]uint32
}

func (r registerFile) ReadUInt16(address uint32, cb memaccess.Callback[uint16]) {
	if v, ok := r.values[address]; ok {
		cb.Success(address, uint16(v))
		return
	}
	cb.Failure(address, memaccess.ErrInvalidAddress, "")
}

func (r registerFile) ReadUInt32(address uint32, cb memaccess.Callback[uint32]) {
	if v, ok := r.values[address]; ok {
		cb.Success(address, v)
		return
	}
	cb.Failure(address, memaccess.ErrInvalidAddress, "")
}

func (r registerFile) WriteUInt16(address uint32, value uint16, cb memaccess.Callback[uint16]) {
	cb.Failure(address, memaccess.ErrInvalidCommand, "")
}

func (r registerFile) WriteUInt32(address uint32, value uint32, cb memaccess.Callback[uint32]) {
	cb.Failure(address, memaccess.ErrInvalidCommand, "")
}

func TestPreheat(t *testing.T) {
	d, err := FromFile(testFileFullPath("commented_cache.txt"))
	if err != nil {
		t.Fatalf("Cannot load dump: %v", err)
	}
	// 0x204 is missing on this device and must be skipped.
	c := registry.NewCache(registerFile{values: map[uint32]uint32{
		0x10: 0x1111, 0x12: 0x2222, 0x200: 0x33333333, 0x208: 0x44444444,
	}})
	Preheat(c, d)

	if got, want := c.SnapshotUInt16(), map[uint32]uint16{0x10: 0x1111, 0x12: 0x2222}; !reflect.DeepEqual(got, want) {
		t.Fatalf("SnapshotUInt16() = %v, want %v", got, want)
	}
	if got, want := c.SnapshotUInt32(), map[uint32]uint32{0x200: 0x33333333, 0x208: 0x44444444}; !reflect.DeepEqual(got, want) {
		t.Fatalf("SnapshotUInt32() = %v, want %v", got, want)
	}

	var buf bytes.Buffer
	if err := Write(&buf, FromCache(c)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !strings.Contains(buf.String(), "0x00000208: 0x44444444") {
		t.Fatalf("dump misses a preheated register:\n%s", buf.String())
	}
}
