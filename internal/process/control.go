package process

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// OpenControl returns the worker end of the control socket, located through
// ControlFDEnv. It is called by the worker, never by the host.
func OpenControl() (net.Conn, error) {
	v := os.Getenv(ControlFDEnv)
	if v == "" {
		return nil, ErrNoControlFD
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("%w: %s=%q", ErrNoControlFD, ControlFDEnv, v)
	}

	f := os.NewFile(uintptr(fd), "control")
	if f == nil {
		return nil, fmt.Errorf("%w: invalid descriptor %d", ErrNoControlFD, fd)
	}
	defer f.Close() //nolint:errcheck // FileConn dups the descriptor

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoControlFD, err)
	}
	return conn, nil
}
