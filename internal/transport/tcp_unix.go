//go:build unix

package transport

import (
	"io"

	"golang.org/x/sys/unix"
)

// The runtime already puts the descriptor in non-blocking mode; returning
// true from the RawConn callback skips the poller wait.
func (s *tcpSocket) readNonBlocking(buffer []byte) (int, error) {
	var n int
	var opErr error
	err := s.raw.Read(func(fd uintptr) bool {
		n, opErr = unix.Read(int(fd), buffer)
		return true
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		if opErr == unix.EAGAIN || opErr == unix.EWOULDBLOCK || opErr == unix.EINTR {
			return 0, ErrWouldBlock
		}
		return 0, opErr
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *tcpSocket) writeNonBlocking(data []byte) (int, error) {
	var n int
	var opErr error
	err := s.raw.Write(func(fd uintptr) bool {
		n, opErr = unix.Write(int(fd), data)
		return true
	})
	if err != nil {
		return 0, err
	}
	if opErr != nil {
		if opErr == unix.EAGAIN || opErr == unix.EWOULDBLOCK || opErr == unix.EINTR {
			return 0, ErrWouldBlock
		}
		return 0, opErr
	}
	return n, nil
}
