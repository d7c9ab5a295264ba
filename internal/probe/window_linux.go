//go:build linux

package probe

import (
	"net"

	"golang.org/x/sys/unix"
)

// tcpWindow reads the peer's receive window from TCP_INFO. This is the send
// window after the handshake, already multiplied by any negotiated window
// scale, so it rarely equals the SYN-ACK window a raw scan observes. Results
// carrying it have ReasonConnected and osfp weighs them accordingly.
func tcpWindow(conn net.Conn) *uint32 {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return nil
	}

	var info *unix.TCPInfo
	var infoErr error
	if err := raw.Control(func(fd uintptr) {
		info, infoErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil || infoErr != nil || info == nil {
		return nil
	}
	if info.Snd_wnd == 0 {
		return nil
	}
	w := info.Snd_wnd
	return &w
}
