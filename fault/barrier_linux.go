//go:build linux

package fault

import (
	"golang.org/x/sys/unix"

	"github.com/calderavm/caldera/log"
)

// Command values from the kernel's membarrier.h UAPI; x/sys only generates
// the syscall number.
const (
	membarrierCmdPrivateExpedited         = 8
	membarrierCmdRegisterPrivateExpedited = 16
)

// registerBarrier declares intent to use expedited membarrier commands.
// Must run once per process before codeRangeBarrier has any effect.
func registerBarrier() {
	_, _, errno := unix.Syscall(unix.SYS_MEMBARRIER,
		membarrierCmdRegisterPrivateExpedited, 0, 0)
	if errno != 0 {
		log.Warn(log.RegistryMonitoring, "membarrier registration unavailable", "errno", int(errno))
	}
}

// codeRangeBarrier issues a process-wide memory barrier so that threads which
// never synchronize on the registry lock still observe a newly published
// range before they can fault inside its code.
func codeRangeBarrier() {
	unix.Syscall(unix.SYS_MEMBARRIER, membarrierCmdPrivateExpedited, 0, 0)
}
