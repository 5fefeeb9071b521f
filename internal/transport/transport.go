// Package transport 定义客户端使用的网络栈抽象
//
// A Stack hands out opaque socket handles and never suspends the caller past
// the Mode chosen at Open: when no progress can be made without blocking,
// Read and Write return ErrWouldBlock and the caller polls again later. Any
// other error is fatal for the socket.
package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

var (
	ErrWouldBlock    = errors.New("operation would block")
	ErrNotConnected  = errors.New("socket is not connected")
	ErrInvalidSocket = errors.New("socket was not issued by this stack")
)

// Socket 网络栈分配的不透明句柄
type Socket any

type Stack interface {
	Open(mode Mode) (Socket, error)
	Connect(socket Socket, remote netip.AddrPort) (Socket, error)
	IsConnected(socket Socket) bool
	Write(socket Socket, data []byte) (int, error)
	Read(socket Socket, buffer []byte) (int, error)
	Close(socket Socket) error
}

type modeKind byte

const (
	modeBlocking modeKind = iota
	modeNonBlocking
	modeTimeout
)

// Mode is fixed at Open and applies to every later operation on the socket.
type Mode struct {
	kind    modeKind
	timeout time.Duration
}

var (
	Blocking    = Mode{kind: modeBlocking}
	NonBlocking = Mode{kind: modeNonBlocking}
)

// Timeout 读写超时模式，超时以 ErrWouldBlock 返回
func Timeout(seconds uint16) Mode {
	return Mode{kind: modeTimeout, timeout: time.Duration(seconds) * time.Second}
}

// IsBlocking reports whether operations wait without a deadline. Timeout(0) counts as blocking.
func (m Mode) IsBlocking() bool {
	return m.kind == modeBlocking || (m.kind == modeTimeout && m.timeout == 0)
}

func (m Mode) IsNonBlocking() bool {
	return m.kind == modeNonBlocking
}

// Timeout returns the per-operation deadline of a Timeout mode, zero otherwise.
func (m Mode) Timeout() time.Duration {
	if m.kind != modeTimeout {
		return 0
	}
	return m.timeout
}

func (m Mode) String() string {
	switch m.kind {
	case modeNonBlocking:
		return "nonblocking"
	case modeTimeout:
		return fmt.Sprintf("timeout(%s)", m.timeout)
	default:
		return "blocking"
	}
}

// ParseMode 解析配置中的传输模式名称
func ParseMode(name string, timeout time.Duration) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "nonblocking", "non-blocking":
		return NonBlocking, nil
	case "blocking":
		return Blocking, nil
	case "timeout":
		seconds := timeout / time.Second
		if seconds <= 0 || seconds > 0xFFFF {
			return Mode{}, fmt.Errorf("invalid transport timeout %s, expected 1s..65535s", timeout)
		}
		return Timeout(uint16(seconds)), nil
	}
	return Mode{}, fmt.Errorf("unknown transport mode %q", name)
}

func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}
