package server

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Listener provisioning. Every shard binds its own sockets on the shared
// port; SO_REUSEPORT makes the kernel steer flows by tuple hash, which is
// what lets shards share nothing.
//
// UDP sockets additionally enable packet info so the destination address of
// each datagram is recoverable from ancillary data, and v6 sockets are bound
// v6-only so the v4 and v6 listeners stay distinct.

// ListenerSpec carries the socket parameters from config.
type ListenerSpec struct {
	Port    int
	RecvBuf int
	SendBuf int
	Backlog int // TCP only
}

func setCommonOpts(fd int, spec ListenerSpec) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("SO_REUSEPORT: %w", err)
	}
	if spec.RecvBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, spec.RecvBuf); err != nil {
			return fmt.Errorf("SO_RCVBUF: %w", err)
		}
	}
	if spec.SendBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, spec.SendBuf); err != nil {
			return fmt.Errorf("SO_SNDBUF: %w", err)
		}
	}
	return nil
}

func bindWildcard(fd int, v6 bool, port int) error {
	if v6 {
		return unix.Bind(fd, &unix.SockaddrInet6{Port: port})
	}
	return unix.Bind(fd, &unix.SockaddrInet4{Port: port})
}

func wildcardAddrPort(v6 bool, port int) netip.AddrPort {
	if v6 {
		return netip.AddrPortFrom(netip.IPv6Unspecified(), uint16(port))
	}
	return netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(port))
}

// NewUDPListenerFD creates, configures and binds a non-blocking UDP socket.
func NewUDPListenerFD(v6 bool, spec ListenerSpec) (int, netip.AddrPort, error) {
	family := unix.AF_INET
	if v6 {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, netip.AddrPort{}, fmt.Errorf("udp socket: %w", err)
	}
	if err := setCommonOpts(fd, spec); err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, err
	}

	if v6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return -1, netip.AddrPort{}, fmt.Errorf("IPV6_V6ONLY: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
			unix.Close(fd)
			return -1, netip.AddrPort{}, fmt.Errorf("IPV6_RECVPKTINFO: %w", err)
		}
	} else {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
			unix.Close(fd)
			return -1, netip.AddrPort{}, fmt.Errorf("IP_PKTINFO: %w", err)
		}
	}

	if err := bindWildcard(fd, v6, spec.Port); err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, fmt.Errorf("udp bind: %w", err)
	}
	return fd, wildcardAddrPort(v6, spec.Port), nil
}

// NewTCPListenerFD creates, configures, binds and listens a non-blocking TCP
// socket. Accepted sockets inherit nothing; accept4 sets them non-blocking.
func NewTCPListenerFD(v6 bool, spec ListenerSpec) (int, netip.AddrPort, error) {
	family := unix.AF_INET
	if v6 {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, netip.AddrPort{}, fmt.Errorf("tcp socket: %w", err)
	}
	if err := setCommonOpts(fd, ListenerSpec{Port: spec.Port}); err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, err
	}
	if v6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return -1, netip.AddrPort{}, fmt.Errorf("IPV6_V6ONLY: %w", err)
		}
	}
	if err := bindWildcard(fd, v6, spec.Port); err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, fmt.Errorf("tcp bind: %w", err)
	}
	if err := unix.Listen(fd, spec.Backlog); err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, fmt.Errorf("tcp listen: %w", err)
	}
	return fd, wildcardAddrPort(v6, spec.Port), nil
}

// sockaddrToAddrPort converts an accept/recvmsg source address.
func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port))
	default:
		return netip.AddrPort{}
	}
}

// addrPortToSockaddr converts a reply destination for sendmsg.
func addrPortToSockaddr(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}
