// Package mmap accesses the registers of a timing device through a memory
// mapping of its device node, as provided by the mrf kernel driver for PCI,
// PCIe and similar form factors.
//
// All register accesses and all interrupt handling run on one goroutine that
// is locked to its OS thread. Bus errors on a register are reported as failed
// requests, after which the device is closed and opened again.
package mmap

import (
	"errors"
	"time"

	"github.com/mrf-timing/mrfaccess/pkg/memaccess"
)

const (
	DefaultIdleWait = 5 * time.Second

	// Interrupt registers, relative to the start of the register window.
	interruptFlagRegister   = 0x08
	interruptEnableRegister = 0x0c

	shutdownMessage = "The device has been shut down before the request could be processed."
)

// Config describes the device node to map.
type Config struct {
	// DevicePath is the device node, e.g. /dev/era3.
	DevicePath string
	// MemorySize is the size of the register window in bytes.
	MemorySize uint32
	// DisableInterrupts skips the interrupt setup, so that regular files can
	// stand in for a device node.
	DisableInterrupts bool
	// IdleWait bounds how long the I/O goroutine sleeps when there is
	// nothing to do, so that a missing device is retried regularly. Default
	// 5s.
	IdleWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleWait <= 0 {
		c.IdleWait = DefaultIdleWait
	}
	return c
}

func (c Config) validate() error {
	if c.DevicePath == "" {
		return errors.New("the device path must not be empty")
	}
	if c.MemorySize < 2 {
		return errors.New("the memory size must be at least two bytes")
	}
	return nil
}

func validAddress16(address, size uint32) bool {
	return size >= 2 && address <= size-2 && address%2 == 0
}

func validAddress32(address, size uint32) bool {
	return size >= 4 && address <= size-4 && address%4 == 0
}

type ioKind int

const (
	read16 ioKind = iota
	write16
	read32
	write32
)

type ioRequest struct {
	kind    ioKind
	address uint32
	value   uint32
	cb16    memaccess.Callback[uint16]
	cb32    memaccess.Callback[uint32]
}

func (r *ioRequest) succeed(v uint32) {
	switch r.kind {
	case read16, write16:
		if r.cb16 != nil {
			r.cb16.Success(r.address, uint16(v))
		}
	default:
		if r.cb32 != nil {
			r.cb32.Success(r.address, v)
		}
	}
}

func (r *ioRequest) fail(code memaccess.ErrorCode, details string) {
	switch r.kind {
	case read16, write16:
		if r.cb16 != nil {
			r.cb16.Failure(r.address, code, details)
		}
	default:
		if r.cb32 != nil {
			r.cb32.Failure(r.address, code, details)
		}
	}
}
