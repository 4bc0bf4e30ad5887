//go:build !unix

package mrftime

import "time"

var processStart = time.Now()

// Now returns the time elapsed on the monotonic clock since process start.
func Now() Time {
	return FromDuration(time.Since(processStart))
}
