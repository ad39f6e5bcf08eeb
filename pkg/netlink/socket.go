//go:build linux

// Package netlink implements the kernel uevent transport (spec.md C2):
// opening NETLINK_KOBJECT_UEVENT sockets on the kernel (group 1) or udev
// (group 2) multicast groups, and framing/parsing both raw kernel uevents
// and libudev-format messages on the wire.
package netlink

import (
	"errors"
	"syscall"
)

// Group identifies a NETLINK_KOBJECT_UEVENT multicast group.
type Group uint32

const (
	// GroupKernel carries raw kernel-origin uevents.
	GroupKernel Group = 1
	// GroupUdev carries libudev-format rebroadcasts.
	GroupUdev Group = 2
)

const netlinkKobjectUEvent = 15

// Socket is a NETLINK_KOBJECT_UEVENT endpoint, bound to zero or more
// multicast groups.
type Socket struct {
	fd int
}

// Open creates and binds a netlink uevent socket listening on groups (a
// bitmask OR of Group values; pass 0 for a send-only socket). SO_PASSCRED
// is enabled per spec.md C2 so ancillary credentials are available to
// any consumer that wants them.
func Open(groups uint32) (*Socket, error) {
	fd, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_RAW|syscall.SOCK_CLOEXEC, netlinkKobjectUEvent)
	if err != nil {
		return nil, err
	}

	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_PASSCRED, 1); err != nil {
		syscall.Close(fd)
		return nil, err
	}

	addr := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Groups: groups}
	if err := syscall.Bind(fd, addr); err != nil {
		syscall.Close(fd)
		return nil, err
	}

	return &Socket{fd: fd}, nil
}

// Close releases the underlying file descriptor.
func (s *Socket) Close() error {
	return syscall.Close(s.fd)
}

// recvBufSize covers the spec's "at least 2048 bytes payload plus 512
// bytes ancillary" requirement with headroom for large property blocks.
const recvBufSize = 2048 + 512 + 4096

// Recv reads one datagram and parses it into a Message. The returned
// rebuildBloom flag is true when the message came in raw kernel format,
// meaning any tag bloom filter must be recomputed from the resolved
// Device rather than trusted from the wire (spec.md C2).
func (s *Socket) Recv() (msg *Message, rebuildBloom bool, err error) {
	buf := make([]byte, recvBufSize)
	n, _, err := syscall.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, errors.New("netlink: empty datagram")
	}

	return Parse(buf[:n])
}

// Send multicasts buffer to the given group. Per spec.md C2, ECONNREFUSED
// (no listeners on that group) is not an error.
func (s *Socket) Send(buffer []byte, group Group) error {
	addr := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Groups: uint32(group)}
	err := syscall.Sendto(s.fd, buffer, 0, addr)
	if errors.Is(err, syscall.ECONNREFUSED) {
		return nil
	}
	return err
}
