// Package mrftime provides a second/nanosecond time value read from the
// monotonic clock. It is used for request deadlines and poll timeouts, where
// wall-clock jumps must not cause early or late expiry.
package mrftime

import (
	"fmt"
	"time"
)

const nanosPerSecond = 1000000000

// Time is a point in time (or a span, when obtained by subtracting two points)
// with nanosecond resolution. The zero value is the clock origin.
type Time struct {
	Seconds     int64
	Nanoseconds int32
}

// New returns a normalized Time, so that 0 <= Nanoseconds < 1e9.
func New(seconds int64, nanoseconds int64) Time {
	seconds += nanoseconds / nanosPerSecond
	nanoseconds %= nanosPerSecond
	if nanoseconds < 0 {
		nanoseconds += nanosPerSecond
		seconds--
	}
	return Time{Seconds: seconds, Nanoseconds: int32(nanoseconds)}
}

// FromDuration converts a duration into a Time span.
func FromDuration(d time.Duration) Time {
	return New(0, int64(d))
}

// Duration converts the value into a time.Duration. Values that do not fit
// are clamped.
func (t Time) Duration() time.Duration {
	const maxSeconds = int64(1<<63-1) / nanosPerSecond
	if t.Seconds >= maxSeconds {
		return time.Duration(1<<63 - 1)
	}
	if t.Seconds <= -maxSeconds {
		return time.Duration(-1 << 63)
	}
	return time.Duration(t.Seconds*nanosPerSecond + int64(t.Nanoseconds))
}

func (t Time) Add(o Time) Time {
	return New(t.Seconds+o.Seconds, int64(t.Nanoseconds)+int64(o.Nanoseconds))
}

func (t Time) Sub(o Time) Time {
	return New(t.Seconds-o.Seconds, int64(t.Nanoseconds)-int64(o.Nanoseconds))
}

// Compare returns -1, 0 or +1.
func (t Time) Compare(o Time) int {
	switch {
	case t.Seconds < o.Seconds:
		return -1
	case t.Seconds > o.Seconds:
		return 1
	case t.Nanoseconds < o.Nanoseconds:
		return -1
	case t.Nanoseconds > o.Nanoseconds:
		return 1
	}
	return 0
}

func (t Time) Before(o Time) bool { return t.Compare(o) < 0 }
func (t Time) After(o Time) bool  { return t.Compare(o) > 0 }
func (t Time) Equal(o Time) bool  { return t.Compare(o) == 0 }
func (t Time) IsZero() bool       { return t.Seconds == 0 && t.Nanoseconds == 0 }

func (t Time) String() string {
	return fmt.Sprintf("%d.%09ds", t.Seconds, t.Nanoseconds)
}
