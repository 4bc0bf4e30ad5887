//go:build linux && (amd64 || arm64)

package faultmem

import (
	"fmt"
	"math/bits"
	"runtime/debug"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapped is a Region backed by a shared memory mapping of a device node (or
// any file). A bus error on the accessed register is returned as a
// *FaultError. A fault anywhere else is not ours and is re-raised.
//
// The host is little-endian on every platform this file is built for, so
// values are byte-swapped to and from the big-endian registers.
type Mapped struct {
	data []byte
}

var _ Region = (*Mapped)(nil)

// Map maps size bytes of fd, starting at offset 0, for reading and writing.
func Map(fd int, size uint32) (*Mapped, error) {
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &Mapped{data: data}, nil
}

// Unmap releases the mapping. The region must not be used afterwards.
func (m *Mapped) Unmap() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if err != nil {
		return fmt.Errorf("munmap failed: %v", err)
	}
	return nil
}

func (m *Mapped) Size() uint32 {
	return uint32(len(m.data))
}

// The accessors are kept out of line so that every call is exactly one load
// or store of the register width.

//go:noinline
func load16(p *uint16) uint16 { return *p }

//go:noinline
func store16(p *uint16, v uint16) { *p = v }

//go:noinline
func load32(p *uint32) uint32 { return *p }

//go:noinline
func store32(p *uint32, v uint32) { *p = v }

func (m *Mapped) ptr(offset uint32) unsafe.Pointer {
	return unsafe.Pointer(&m.data[offset])
}

// guard runs fn with fault panics enabled for the calling goroutine. Faults
// within [offset, offset+width) are turned into a *FaultError.
func (m *Mapped) guard(offset, width uint32, fn func()) (err error) {
	start := uintptr(m.ptr(offset))
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if f, ok := r.(interface{ Addr() uintptr }); ok {
			if a := f.Addr(); a >= start && a < start+uintptr(width) {
				err = &FaultError{Offset: offset, Addr: a}
				return
			}
		}
		panic(r)
	}()
	fn()
	return nil
}

func (m *Mapped) ReadUInt16(offset uint32) (v uint16, err error) {
	p := (*uint16)(m.ptr(offset))
	err = m.guard(offset, 2, func() {
		v = bits.ReverseBytes16(load16(p))
	})
	return v, err
}

func (m *Mapped) ReadUInt32(offset uint32) (v uint32, err error) {
	p := (*uint32)(m.ptr(offset))
	err = m.guard(offset, 4, func() {
		v = bits.ReverseBytes32(load32(p))
	})
	return v, err
}

func (m *Mapped) WriteReadUInt16(offset uint32, value uint16) (v uint16, err error) {
	p := (*uint16)(m.ptr(offset))
	err = m.guard(offset, 2, func() {
		store16(p, bits.ReverseBytes16(value))
		v = bits.ReverseBytes16(load16(p))
	})
	return v, err
}

func (m *Mapped) WriteReadUInt32(offset uint32, value uint32) (v uint32, err error) {
	p := (*uint32)(m.ptr(offset))
	err = m.guard(offset, 4, func() {
		store32(p, bits.ReverseBytes32(value))
		v = bits.ReverseBytes32(load32(p))
	})
	return v, err
}

func (m *Mapped) ReadWriteBackUInt32(offset uint32) (v uint32, err error) {
	p := (*uint32)(m.ptr(offset))
	err = m.guard(offset, 4, func() {
		raw := load32(p)
		store32(p, raw)
		v = bits.ReverseBytes32(raw)
	})
	return v, err
}
