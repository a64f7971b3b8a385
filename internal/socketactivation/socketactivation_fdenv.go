//go:build unix

package socketactivation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// listenFDsEnv implements the systemd socket-activation protocol: if
// LISTEN_FDS and LISTEN_PID are set and LISTEN_PID matches our own pid,
// the file descriptors starting at fd 3 are adopted as listeners (spec
// §6 "Socket activation"). name is matched against LISTEN_FDNAMES when
// present; when LISTEN_FDNAMES is absent every inherited fd is returned.
func listenFDsEnv(name string) ([]net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	fdsStr := os.Getenv("LISTEN_FDS")
	if pidStr == "" || fdsStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid != os.Getpid() {
		return nil, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("socketactivation: malformed LISTEN_FDS %q", fdsStr)
	}

	var names []string
	if raw := os.Getenv("LISTEN_FDNAMES"); raw != "" {
		names = strings.Split(raw, ":")
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		if names != nil && i < len(names) && name != "" && names[i] != name {
			continue
		}
		fd := listenFDsStart + i
		syscall.CloseOnExec(fd)
		f := os.NewFile(uintptr(fd), fmt.Sprintf("listen-fd-%d", fd))
		l, err := net.FileListener(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("socketactivation: adopt fd %d: %w", fd, err)
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}
