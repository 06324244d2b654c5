//go:build !linux

package capabilities

// Total memory is only read on linux; elsewhere it is reported as unknown.
func totalMemoryMB() uint64 {
	return 0
}
