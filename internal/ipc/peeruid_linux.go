//go:build linux

package ipc

import (
	"errors"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

func peerUIDMatchesCurrentUser(conn net.Conn) (bool, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return false, errors.New("connection is not unix")
	}

	raw, err := unixConn.SyscallConn()
	if err != nil {
		return false, err
	}

	var (
		cred    *unix.Ucred
		sockErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return false, err
	}
	if sockErr != nil {
		return false, sockErr
	}

	return cred.Uid == uint32(os.Getuid()), nil
}
