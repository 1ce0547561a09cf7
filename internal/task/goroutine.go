package task

import "runtime"

// GoroutineID returns the id of the calling goroutine, parsed from the
// "goroutine NNN [" header of its stack trace. It is only used for
// affinity checks, never for scheduling.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
