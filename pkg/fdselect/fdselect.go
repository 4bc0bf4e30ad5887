//go:build linux

// Package fdselect waits for file descriptors to become ready, with a timeout
// and with the possibility to wake up the waiter from another goroutine.
package fdselect

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/mrf-timing/mrfaccess/pkg/mrftime"
	"golang.org/x/sys/unix"
)

// ErrInterrupted is returned by Wait when the wait was interrupted by a
// signal before any descriptor became ready.
var ErrInterrupted = errors.New("wait interrupted by signal")

// ErrClosed is returned by WakeUp after Close.
var ErrClosed = errors.New("selector is closed")

// Selector waits on a set of descriptors plus an internal event descriptor
// used by WakeUp. Wait must not run concurrently with Close.
type Selector struct {
	// mu keeps WakeUp from writing to a descriptor number that Close has
	// released and the kernel may have reused.
	mu      sync.RWMutex
	closed  bool
	eventFd int
}

// New creates the wake-up event descriptor.
func New() (*Selector, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("could not create event descriptor: %v", err)
	}
	return &Selector{eventFd: fd}, nil
}

// Wait blocks until one of fds is ready, WakeUp is called or the timeout
// expires. A nil timeout waits forever. The Revents fields of fds are updated.
func (s *Selector) Wait(fds []unix.PollFd, timeout *mrftime.Time) error {
	all := make([]unix.PollFd, len(fds)+1)
	copy(all, fds)
	wake := len(fds)
	all[wake] = unix.PollFd{Fd: int32(s.eventFd), Events: unix.POLLIN}

	var ts *unix.Timespec
	if timeout != nil {
		t := *timeout
		if t.Seconds < 0 {
			t = mrftime.Time{}
		}
		v := t.Timespec()
		ts = &v
	}
	_, err := unix.Ppoll(all, ts, nil)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return ErrInterrupted
		}
		return fmt.Errorf("ppoll failed: %v", err)
	}
	copy(fds, all[:wake])
	if all[wake].Revents&unix.POLLIN != 0 {
		s.drain()
	}
	return nil
}

func (s *Selector) drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(s.eventFd, buf[:]); err != nil {
			return
		}
	}
}

// WakeUp makes a concurrent or the next call to Wait return. It is safe to
// call from any goroutine.
func (s *Selector) WakeUp() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(s.eventFd, buf[:]); err != nil {
		// The counter is saturated, so the waiter wakes up anyway.
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		return fmt.Errorf("could not signal event descriptor: %v", err)
	}
	return nil
}

// Close releases the event descriptor. Closing twice is a no-op.
func (s *Selector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := unix.Close(s.eventFd); err != nil {
		return fmt.Errorf("could not close event descriptor: %v", err)
	}
	return nil
}
