//go:build !arm64

package vm

// x86-64 keeps instruction fetch coherent with stores; nothing to do on
// hosts other than AArch64.
func flushICache(start, end uintptr) {}
