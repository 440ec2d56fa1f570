//go:build darwin

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
		cred    *unix.Xucred
		sockErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	}); err != nil {
		return false, err
	}
	if sockErr != nil {
		return false, sockErr
	}

	return cred.Uid == uint32(os.Getuid()), nil
}
