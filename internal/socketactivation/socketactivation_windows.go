//go:build windows

package socketactivation

import "net"

// platformListeners has no socket-activation mechanism to adopt on
// Windows; a node started there always binds its own listeners.
func platformListeners(name string) ([]net.Listener, error) {
	return nil, ErrUnsupported
}
