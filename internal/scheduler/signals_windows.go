//go:build windows

package scheduler

import (
	"os"
	"syscall"
)

// shutdownSignals are the OS signals that trigger orderly shutdown on
// Windows: os.Interrupt is delivered for both Ctrl-C and Ctrl-Break (spec
// §6 "Signals").
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}
