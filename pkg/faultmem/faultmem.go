// Package faultmem provides access to a window of device registers in which
// a bus error on the accessed register is reported as an error instead of
// crashing the process.
//
// Registers are big-endian. All offsets must be aligned to the access width
// and lie inside the window; callers check this before accessing the region.
package faultmem

import (
	"fmt"
	"sync"
)

// Region is a window of device registers.
type Region interface {
	// Size returns the size of the window in bytes.
	Size() uint32
	ReadUInt16(offset uint32) (uint16, error)
	ReadUInt32(offset uint32) (uint32, error)
	// WriteReadUInt16 writes v and returns the value read back afterwards.
	WriteReadUInt16(offset uint32, v uint16) (uint16, error)
	// WriteReadUInt32 writes v and returns the value read back afterwards.
	WriteReadUInt32(offset uint32, v uint32) (uint32, error)
	// ReadWriteBackUInt32 reads a register and writes the value back. For
	// write-one-to-clear registers this clears exactly the bits it returns.
	ReadWriteBackUInt32(offset uint32) (uint32, error)
}

// FaultError reports a bus error while accessing a register.
type FaultError struct {
	Offset uint32
	// Addr is the faulting virtual address, if known.
	Addr uintptr
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("bus error accessing register at offset 0x%08x", e.Offset)
}

// Simulated is an in-memory Region. Faults can be injected for individual
// bytes, which makes it possible to test fault handling deterministically.
type Simulated struct {
	mu     sync.Mutex
	mem    []byte
	faults map[uint32]bool
	// OnWrite, if set, is called after every write with the offset, width
	// and written value, while the region is locked.
	OnWrite func(offset, width, value uint32)
}

var _ Region = (*Simulated)(nil)

// NewSimulated returns a zeroed region of size bytes.
func NewSimulated(size uint32) *Simulated {
	return &Simulated{mem: make([]byte, size), faults: make(map[uint32]bool)}
}

// InjectFault makes every access covering offset fail.
func (s *Simulated) InjectFault(offset uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[offset] = true
}

// ClearFaults removes all injected faults.
func (s *Simulated) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[uint32]bool)
}

func (s *Simulated) Size() uint32 {
	return uint32(len(s.mem))
}

func (s *Simulated) checkLocked(offset, width uint32) error {
	for i := uint32(0); i < width; i++ {
		if s.faults[offset+i] {
			return &FaultError{Offset: offset}
		}
	}
	return nil
}

func (s *Simulated) loadLocked(offset, width uint32) uint32 {
	var v uint32
	for i := uint32(0); i < width; i++ {
		v = v<<8 | uint32(s.mem[offset+i])
	}
	return v
}

func (s *Simulated) storeLocked(offset, width, v uint32) {
	for i := width; i > 0; i-- {
		s.mem[offset+i-1] = byte(v)
		v >>= 8
	}
	if s.OnWrite != nil {
		s.OnWrite(offset, width, s.loadLocked(offset, width))
	}
}

func (s *Simulated) read(offset, width uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(offset, width); err != nil {
		return 0, err
	}
	return s.loadLocked(offset, width), nil
}

func (s *Simulated) writeRead(offset, width, v uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(offset, width); err != nil {
		return 0, err
	}
	s.storeLocked(offset, width, v)
	return s.loadLocked(offset, width), nil
}

func (s *Simulated) ReadUInt16(offset uint32) (uint16, error) {
	v, err := s.read(offset, 2)
	return uint16(v), err
}

func (s *Simulated) ReadUInt32(offset uint32) (uint32, error) {
	return s.read(offset, 4)
}

func (s *Simulated) WriteReadUInt16(offset uint32, v uint16) (uint16, error) {
	r, err := s.writeRead(offset, 2, uint32(v))
	return uint16(r), err
}

func (s *Simulated) WriteReadUInt32(offset uint32, v uint32) (uint32, error) {
	return s.writeRead(offset, 4, v)
}

// ReadWriteBackUInt32 models a write-one-to-clear register: the bits that
// were read are cleared.
func (s *Simulated) ReadWriteBackUInt32(offset uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(offset, 4); err != nil {
		return 0, err
	}
	v := s.loadLocked(offset, 4)
	s.storeLocked(offset, 4, 0)
	return v, nil
}

// Poke sets a 32-bit register without going through fault injection or
// OnWrite. It is meant for tests playing the role of the hardware.
func (s *Simulated) Poke(offset uint32, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := uint32(4); i > 0; i-- {
		s.mem[offset+i-1] = byte(v)
		v >>= 8
	}
}

// Peek returns a 32-bit register without fault injection.
func (s *Simulated) Peek(offset uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(offset, 4)
}
