//go:build !linux

package fault

// No process-wide barrier syscall outside linux. Publication still reaches
// threads that synchronize on the registry lock, and the head store is
// sequentially consistent for everyone else.
func registerBarrier()  {}
func codeRangeBarrier() {}
