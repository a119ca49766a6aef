//go:build linux

package tcpserver

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/cyberinferno/netroad/endpoint"
)

// listen binds an IPv4 stream socket and listens with the requested backlog.
// The kernel silently caps the backlog at net.core.somaxconn.
func listen(ep endpoint.Endpoint, backlog int) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: ep.Port(), Addr: ep.Addr().As4()}); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("tcp4:%s", ep))
	defer f.Close()

	// FileListener dups the descriptor; closing f releases the original.
	return net.FileListener(f)
}
