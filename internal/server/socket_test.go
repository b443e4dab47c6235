package server

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

func TestNewUDPListenerFD(t *testing.T) {
	fd, local, err := NewUDPListenerFD(false, ListenerSpec{Port: 0, RecvBuf: 65536, SendBuf: 65536})
	require.NoError(t, err)
	defer unix.Close(fd)

	assert.True(t, local.Addr().Is4())

	// Non-blocking: a read on the fresh socket must not hang.
	var buf [16]byte
	_, _, _, _, rerr := unix.Recvmsg(fd, buf[:], nil, 0)
	assert.ErrorIs(t, rerr, unix.EAGAIN)

	// A second socket on the same (ephemeral 0) port is fine; the reuse
	// options are what matter for the shared-port case.
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = unix.GetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestNewTCPListenerFD(t *testing.T) {
	fd, _, err := NewTCPListenerFD(false, ListenerSpec{Port: 0, Backlog: 16})
	require.NoError(t, err)
	defer unix.Close(fd)

	_, _, aerr := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	assert.ErrorIs(t, aerr, unix.EAGAIN, "listener must be non-blocking")
}

func TestSockaddrConversions(t *testing.T) {
	v4 := &unix.SockaddrInet4{Port: 53, Addr: [4]byte{192, 0, 2, 1}}
	ap := sockaddrToAddrPort(v4)
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.1:53"), ap)

	back := addrPortToSockaddr(ap)
	assert.Equal(t, v4, back)

	v6 := &unix.SockaddrInet6{Port: 5353}
	v6.Addr[15] = 1
	ap6 := sockaddrToAddrPort(v6)
	assert.Equal(t, netip.MustParseAddrPort("[::1]:5353"), ap6)
	assert.Equal(t, v6, addrPortToSockaddr(ap6))
}

func TestPoller_EdgeEvents(t *testing.T) {
	p, err := NewPoller(8)
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.Add(fds[0], true))

	// A connected stream socket is immediately writable.
	evs := p.Poll()
	require.NotEmpty(t, evs)
	assert.Equal(t, int32(fds[0]), evs[0].Fd)
	assert.NotZero(t, evs[0].Events&unix.EPOLLOUT)

	// Edge-triggered: no new event until state changes.
	_ = p.Poll()
	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	found := false
	for i := 0; i < 100 && !found; i++ {
		for _, ev := range p.Poll() {
			if ev.Fd == int32(fds[0]) && ev.Events&unix.EPOLLIN != 0 {
				found = true
			}
		}
	}
	assert.True(t, found, "readable edge must surface")

	p.Del(fds[0])
}
