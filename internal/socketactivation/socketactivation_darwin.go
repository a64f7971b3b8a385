//go:build darwin

package socketactivation

/*
#cgo LDFLAGS: -framework Foundation
#include <launch.h>
#include <stdlib.h>
#include <errno.h>

// launch_activate_socket fills fd_count/fds on success and returns 0,
// or a non-zero errno-compatible value on failure. It is declared in
// <launch.h> but not always exposed in the system headers bundled with
// the Go toolchain's SDK snapshot, so it is re-declared here to link
// against the real libSystem symbol.
int launch_activate_socket(const char *name, int **fds, size_t *fd_count);
*/
import "C"

import (
	"fmt"
	"net"
	"os"
	"unsafe"
)

// platformListeners first tries the native launchd API
// (launch_activate_socket), which is how modern macOS hands down sockets
// described in a launchd.plist's Sockets dictionary keyed by name. If
// launchd has nothing under that name (ENOENT, meaning this process was
// not launchd-activated, or no socket is registered under the given
// label), it falls back to the systemd-style LISTEN_FDS convention so the
// same binary can be driven by either supervisor during development.
func platformListeners(name string) ([]net.Listener, error) {
	listeners, err := launchdListeners(name)
	if err != nil {
		return nil, err
	}
	if len(listeners) > 0 {
		return listeners, nil
	}
	return listenFDsEnv(name)
}

func launchdListeners(name string) ([]net.Listener, error) {
	if name == "" {
		return nil, nil
	}
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var fds *C.int
	var count C.size_t
	rc := C.launch_activate_socket(cname, &fds, &count)
	if rc != 0 {
		if rc == C.ENOENT {
			return nil, nil
		}
		return nil, fmt.Errorf("socketactivation: launch_activate_socket(%q): errno %d", name, int(rc))
	}
	defer C.free(unsafe.Pointer(fds))

	n := int(count)
	fdSlice := unsafe.Slice(fds, n)
	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := int(fdSlice[i])
		f := os.NewFile(uintptr(fd), fmt.Sprintf("launchd-fd-%d", fd))
		l, err := net.FileListener(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("socketactivation: adopt launchd fd %d: %w", fd, err)
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}
