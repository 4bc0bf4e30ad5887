// Package memaccess defines the asynchronous register-access contract shared by
// all transports: callback-based 16-bit and 32-bit reads and writes, optional
// device interrupts, and blocking convenience wrappers.
package memaccess

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failed operation.
type ErrorCode int

const (
	// ErrUnknown covers everything else, including local faults and bus errors.
	ErrUnknown ErrorCode = iota
	// ErrInvalidAddress means the address is outside the accessible window or
	// not aligned to the register width.
	ErrInvalidAddress
	// ErrFPGATimeout means the device logic did not answer in time.
	ErrFPGATimeout
	// ErrNetworkTimeout means no reply arrived over the network in time.
	ErrNetworkTimeout
	// ErrInvalidCommand means the device rejected the request (should never
	// happen).
	ErrInvalidCommand
)

func (c ErrorCode) String() string {
	switch c {
	case ErrUnknown:
		return "Unknown error"
	case ErrInvalidAddress:
		return "Invalid address"
	case ErrFPGATimeout:
		return "FPGA timeout"
	case ErrNetworkTimeout:
		return "Network timeout"
	case ErrInvalidCommand:
		return "Invalid command"
	default:
		return "Unidentified error type"
	}
}

// ErrInterruptsNotSupported is returned by the listener methods of an access
// that cannot deliver device interrupts.
var ErrInterruptsNotSupported = errors.New("this memory access does not support interrupts")

// Callback receives the outcome of an asynchronous operation. Exactly one of
// the two methods is called, exactly once. For writes, the value passed to
// Success is the value the device reports after the write.
type Callback[T uint16 | uint32] interface {
	Success(address uint32, value T)
	Failure(address uint32, code ErrorCode, details string)
}

// InterruptListener is called with the interrupt flags that were both set and
// enabled when the device raised an interrupt. The flags have already been
// cleared on the device.
type InterruptListener func(flags uint32)

// ListenerHandle identifies a registered InterruptListener.
type ListenerHandle uint64

// MemoryAccess is implemented by every transport.
//
// None of the operations block. Implementations that can complete an
// operation immediately may call the callback on the calling goroutine, so
// callers must not hold locks that the callback needs.
type MemoryAccess interface {
	ReadUInt16(address uint32, cb Callback[uint16])
	WriteUInt16(address uint32, value uint16, cb Callback[uint16])
	ReadUInt32(address uint32, cb Callback[uint32])
	WriteUInt32(address uint32, value uint32, cb Callback[uint32])

	// SupportsInterrupts tells whether the listener methods can be used.
	SupportsInterrupts() bool
	// AddInterruptListener registers l and returns the handle needed to
	// remove it again.
	AddInterruptListener(l InterruptListener) (ListenerHandle, error)
	// RemoveInterruptListener unregisters a listener. Unknown handles are
	// ignored.
	RemoveInterruptListener(h ListenerHandle) error
}

// NoInterrupts can be embedded by transports without interrupt support.
type NoInterrupts struct{}

func (NoInterrupts) SupportsInterrupts() bool { return false }

func (NoInterrupts) AddInterruptListener(InterruptListener) (ListenerHandle, error) {
	return 0, ErrInterruptsNotSupported
}

func (NoInterrupts) RemoveInterruptListener(ListenerHandle) error {
	return ErrInterruptsNotSupported
}

// FormatAddress renders an address the way all error messages do.
func FormatAddress(address uint32) string {
	return fmt.Sprintf("0x%08x", address)
}

// AccessError is returned by the blocking wrappers when an operation fails.
type AccessError struct {
	Address uint32
	Code    ErrorCode
	Details string
}

func (e *AccessError) Error() string {
	reason := e.Details
	if reason == "" {
		reason = e.Code.String()
	}
	return fmt.Sprintf("memory access operation for address %s failed: %s", FormatAddress(e.Address), reason)
}

// CallbackFuncs adapts plain functions to the Callback interface. Nil
// functions are skipped.
type CallbackFuncs[T uint16 | uint32] struct {
	OnSuccess func(address uint32, value T)
	OnFailure func(address uint32, code ErrorCode, details string)
}

func (c CallbackFuncs[T]) Success(address uint32, value T) {
	if c.OnSuccess != nil {
		c.OnSuccess(address, value)
	}
}

func (c CallbackFuncs[T]) Failure(address uint32, code ErrorCode, details string) {
	if c.OnFailure != nil {
		c.OnFailure(address, code, details)
	}
}
