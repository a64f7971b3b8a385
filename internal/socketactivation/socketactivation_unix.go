//go:build unix && !darwin

package socketactivation

import "net"

// platformListeners adopts sockets via the systemd LISTEN_FDS convention,
// the only socket-activation mechanism on non-Darwin Unix (spec §6
// "Socket activation").
func platformListeners(name string) ([]net.Listener, error) {
	return listenFDsEnv(name)
}
