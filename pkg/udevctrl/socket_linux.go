//go:build linux

package udevctrl

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// Socket is a Unix datagram endpoint for the udev-compatible control
// protocol, requiring SCM_CREDENTIALS from the peer.
type Socket struct {
	conn *net.UnixConn
	path string
}

// Listen binds a Unix datagram socket at path, removing any stale
// socket file first (the standard udev control socket convention).
func Listen(path string) (*Socket, error) {
	_ = os.Remove(path)

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, err
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_PASSCRED, 1)
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if sockErr != nil {
		conn.Close()
		return nil, sockErr
	}

	return &Socket{conn: conn, path: path}, nil
}

// Close closes the socket and removes the socket file.
func (s *Socket) Close() error {
	err := s.conn.Close()
	_ = os.Remove(s.path)
	return err
}

const recvBufSize = recordLen + 256
const oobBufSize = 256

// Recv reads one control message, verifying SCM_CREDENTIALS carries
// uid 0 (spec.md §4.4: "accept only peers with uid 0"). Messages from
// any other uid are reported as ErrUnauthorized rather than decoded.
func (s *Socket) Recv() (Message, error) {
	buf := make([]byte, recvBufSize)
	oob := make([]byte, oobBufSize)

	n, oobn, _, _, err := s.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return Message{}, err
	}

	uid, err := peerUID(oob[:oobn])
	if err != nil {
		return Message{}, fmt.Errorf("udevctrl: no peer credentials: %w", err)
	}
	if uid != 0 {
		return Message{}, ErrUnauthorized
	}

	return Decode(buf[:n])
}

// ErrUnauthorized is returned by Recv when the peer's SCM_CREDENTIALS
// uid is not 0.
var ErrUnauthorized = fmt.Errorf("udevctrl: peer is not uid 0")

func peerUID(oob []byte) (uint32, error) {
	scms, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, err
	}
	for _, scm := range scms {
		cred, err := syscall.ParseUnixCredentials(&scm)
		if err == nil {
			return cred.Uid, nil
		}
	}
	return 0, fmt.Errorf("udevctrl: SCM_CREDENTIALS not present")
}
