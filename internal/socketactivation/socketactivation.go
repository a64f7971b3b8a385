// Package socketactivation adopts listening sockets handed down by a
// process supervisor instead of binding them itself (spec §6 "Socket
// activation").
package socketactivation

import (
	"errors"
	"net"
)

// ErrUnsupported is returned on platforms with no socket-activation
// mechanism this package implements.
var ErrUnsupported = errors.New("socketactivation: not supported on this platform")

// listenFDsStart is the first inherited file descriptor number under both
// the systemd and launchd-compatibility conventions.
const listenFDsStart = 3

// Listeners returns every socket handed down by the supervisor for name
// (the systemd "FDNAME" / launchd socket label), or (nil, nil) if none
// were adopted because this process was not started under socket
// activation.
func Listeners(name string) ([]net.Listener, error) {
	return platformListeners(name)
}
