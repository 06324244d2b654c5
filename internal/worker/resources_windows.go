//go:build windows

package worker

import "time"

// cpuTime is not sampled on Windows.
func cpuTime() time.Duration {
	return 0
}
