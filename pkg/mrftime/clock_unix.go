//go:build unix

package mrftime

import (
	"golang.org/x/sys/unix"
)

// Now reads CLOCK_MONOTONIC.
func Now() Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC is always available on the platforms we build for.
		panic(err)
	}
	return New(int64(ts.Sec), int64(ts.Nsec))
}

// Timespec converts the value for use with ppoll and friends.
func (t Time) Timespec() unix.Timespec {
	return unix.NsecToTimespec(t.Duration().Nanoseconds())
}

// Timeval converts the value with microsecond resolution.
func (t Time) Timeval() unix.Timeval {
	return unix.NsecToTimeval(t.Duration().Nanoseconds())
}
