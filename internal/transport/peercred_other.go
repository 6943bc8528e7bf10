//go:build !linux && !darwin

package transport

import (
	"errors"
	"net"
)

func peerCredentials(c *net.UnixConn) (uid uint32, pid int32, err error) {
	return 0, 0, errors.New("peer credentials are not supported on this platform")
}
