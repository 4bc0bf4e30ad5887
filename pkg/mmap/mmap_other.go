//go:build !(linux && (amd64 || arm64))

package mmap

import (
	"fmt"
	"runtime"

	"github.com/mrf-timing/mrfaccess/pkg/memaccess"
)

// MemoryAccess is not available on this platform. New always fails.
type MemoryAccess struct {
	memaccess.NoInterrupts
}

func New(cfg Config) (*MemoryAccess, error) {
	return nil, fmt.Errorf("memory mapped devices are not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (m *MemoryAccess) Close() error { return nil }

func (m *MemoryAccess) ReadUInt16(address uint32, cb memaccess.Callback[uint16]) {
	cb.Failure(address, memaccess.ErrUnknown, shutdownMessage)
}

func (m *MemoryAccess) WriteUInt16(address uint32, value uint16, cb memaccess.Callback[uint16]) {
	cb.Failure(address, memaccess.ErrUnknown, shutdownMessage)
}

func (m *MemoryAccess) ReadUInt32(address uint32, cb memaccess.Callback[uint32]) {
	cb.Failure(address, memaccess.ErrUnknown, shutdownMessage)
}

func (m *MemoryAccess) WriteUInt32(address uint32, value uint32, cb memaccess.Callback[uint32]) {
	cb.Failure(address, memaccess.ErrUnknown, shutdownMessage)
}
