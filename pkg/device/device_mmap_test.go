//go:build linux && (amd64 || arm64)

package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mrf-timing/mrfaccess/pkg/memaccess"
)

func TestOpenMmapDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "era3")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Cannot create register file: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(0x8000); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	d, err := Open(Spec{Model: "pcie-evr-300", DevicePath: path, DisableInterrupts: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer d.Close()

	a := d.Access()
	if !a.SupportsInterrupts() {
		t.Fatalf("mmap devices deliver interrupts")
	}
	if v, err := memaccess.UpdateUInt16(a, 0x7ffe, func(old uint16) (uint16, error) { return old + 1, nil }); err != nil || v != 1 {
		t.Fatalf("UpdateUInt16 = %d, %v", v, err)
	}
	// The window of this model ends at 0x8000.
	if _, err := memaccess.ReadUInt32(a, 0x8000); err == nil {
		t.Fatalf("ReadUInt32 beyond the window succeeded")
	}
}
