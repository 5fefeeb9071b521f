package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"
)

const defaultDialTimeout = 15 * time.Second

type TCPStack struct {
	// DialTimeout 建立 TCP 连接的超时时间，Timeout 模式下使用模式自身的超时
	DialTimeout time.Duration
}

type tcpSocket struct {
	mode Mode
	conn *net.TCPConn
	raw  syscall.RawConn
}

func NewTCPStack() *TCPStack {
	return &TCPStack{DialTimeout: defaultDialTimeout}
}

func (ts *TCPStack) socket(socket Socket) (*tcpSocket, error) {
	s, ok := socket.(*tcpSocket)
	if !ok || s == nil {
		return nil, ErrInvalidSocket
	}
	return s, nil
}

func (ts *TCPStack) Open(mode Mode) (Socket, error) {
	return &tcpSocket{mode: mode}, nil
}

func (ts *TCPStack) Connect(socket Socket, remote netip.AddrPort) (Socket, error) {
	s, err := ts.socket(socket)
	if err != nil {
		return nil, err
	}
	if s.conn != nil {
		return nil, fmt.Errorf("socket already connected to %s", s.conn.RemoteAddr())
	}

	dialer := net.Dialer{Timeout: ts.DialTimeout}
	if timeout := s.mode.Timeout(); timeout > 0 {
		dialer.Timeout = timeout
	}
	conn, err := dialer.Dial("tcp", remote.String())
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to %s: %w", remote, err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	_ = tcpConn.SetNoDelay(true)

	if s.mode.IsNonBlocking() {
		raw, err := tcpConn.SyscallConn()
		if err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("error occured while accessing raw connection: %w", err)
		}
		s.raw = raw
	}
	s.conn = tcpConn
	return s, nil
}

func (ts *TCPStack) IsConnected(socket Socket) bool {
	s, err := ts.socket(socket)
	return err == nil && s.conn != nil
}

func (ts *TCPStack) Write(socket Socket, data []byte) (int, error) {
	s, err := ts.socket(socket)
	if err != nil {
		return 0, err
	}
	if s.conn == nil {
		return 0, ErrNotConnected
	}
	if len(data) == 0 {
		return 0, nil
	}
	switch {
	case s.mode.IsNonBlocking():
		return s.writeNonBlocking(data)
	case s.mode.Timeout() > 0:
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.mode.Timeout()))
	}
	n, err := s.conn.Write(data)
	return translate(n, err)
}

func (ts *TCPStack) Read(socket Socket, buffer []byte) (int, error) {
	s, err := ts.socket(socket)
	if err != nil {
		return 0, err
	}
	if s.conn == nil {
		return 0, ErrNotConnected
	}
	if len(buffer) == 0 {
		return 0, nil
	}
	switch {
	case s.mode.IsNonBlocking():
		return s.readNonBlocking(buffer)
	case s.mode.Timeout() > 0:
		_ = s.conn.SetReadDeadline(time.Now().Add(s.mode.Timeout()))
	}
	n, err := s.conn.Read(buffer)
	return translate(n, err)
}

func (ts *TCPStack) Close(socket Socket) error {
	s, err := ts.socket(socket)
	if err != nil {
		return err
	}
	if s.conn == nil {
		return ErrNotConnected
	}
	err = s.conn.Close()
	s.conn = nil
	s.raw = nil
	if err != nil && !IsNetClosedError(err) {
		return err
	}
	return nil
}

// translate 将超时错误映射为 ErrWouldBlock，部分写入视为成功
func translate(n int, err error) (int, error) {
	if err == nil {
		return n, nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || os.IsTimeout(err) {
		if n > 0 {
			return n, nil
		}
		return 0, ErrWouldBlock
	}
	if n > 0 && !errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}
