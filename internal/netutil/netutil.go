// Package netutil holds the socket plumbing the transport needs below the
// net package's defaults: reuse-addr listeners, a nonblocking connect with a
// bounded poll, and the per-connection options every mesh socket gets.
package netutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Listen opens a TCP listener with SO_REUSEADDR so a restarting node can
// rebind its well-known port while old sockets drain.
func Listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// DialTimeout performs the nonblocking connect + poll dance: start the
// connect, wait at most timeout for writability, check SO_ERROR, then hand
// the fd back as a blocking *net.TCPConn.
func DialTimeout(host string, port int, timeout time.Duration) (*net.TCPConn, error) {
	raddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, err
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := raddr.IP.To4(); ip4 != nil {
		s := &unix.SockaddrInet4{Port: raddr.Port}
		copy(s.Addr[:], ip4)
		sa = s
	} else {
		family = unix.AF_INET6
		s := &unix.SockaddrInet6{Port: raddr.Port}
		copy(s.Addr[:], raddr.IP.To16())
		sa = s
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, err
	}
	if err == unix.EINPROGRESS {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, perr := unix.Poll(pfd, int(timeout.Milliseconds()))
		if perr != nil || n == 0 {
			unix.Close(fd)
			if perr != nil {
				return nil, perr
			}
			return nil, os.ErrDeadlineExceeded
		}
		soerr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			unix.Close(fd)
			return nil, gerr
		}
		if soerr != 0 {
			unix.Close(fd)
			return nil, unix.Errno(soerr)
		}
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), "mesh-dial")
	conn, err := net.FileConn(f)
	f.Close() // FileConn dups the fd
	if err != nil {
		return nil, err
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("netutil: %T from FileConn", conn)
	}
	return tc, nil
}

// ApplyConnOptions sets the options every mesh socket carries. bufsize <= 0
// leaves the kernel defaults; linger turns on SO_LINGER{1,0} so close drops
// the socket without a TIME_WAIT full of stale frames.
func ApplyConnOptions(tc *net.TCPConn, bufsize int, linger bool) {
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	if bufsize > 0 {
		_ = tc.SetReadBuffer(bufsize)
		_ = tc.SetWriteBuffer(bufsize)
	}
	if linger {
		_ = tc.SetLinger(0)
	}
}

// IsLoopback reports whether the remote end of conn is a loopback address.
// Admin appsocks are only admitted from localhost.
func IsLoopback(conn net.Conn) bool {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
