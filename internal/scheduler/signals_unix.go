//go:build !windows

package scheduler

import (
	"os"
	"syscall"
)

// shutdownSignals are the OS signals that trigger orderly shutdown on
// Unix-like systems (spec §6 "Signals").
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}
}
