package client

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

const (
	defaultReadChunk        = 1024
	defaultMaxIncoming      = 1 << 20
	defaultHandshakeTimeout = 30 * time.Second
	// 非阻塞模式下每次轮询最多读取的次数
	maxReadsPerPoll = 16
)

type Option func(*Client)

// WithMode 设置打开套接字时使用的传输模式，默认非阻塞
func WithMode(mode transport.Mode) Option {
	return func(c *Client) {
		c.mode = mode
	}
}

// WithKeepAlive sets the keep-alive requested in CONNECT. Without it the
// session default is requested.
func WithKeepAlive(seconds uint16) Option {
	return func(c *Client) {
		c.keepAlive = seconds
		c.keepAliveSet = true
	}
}

func WithCredentials(username string, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

func WithJournal(journal *database.Journal) Option {
	return func(c *Client) {
		c.journal = journal
	}
}

func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.handshakeTimeout = timeout
	}
}

// WithMaxIncomingPacket 限制单个入站报文的大小
func WithMaxIncomingPacket(size int) Option {
	return func(c *Client) {
		c.maxIncoming = size
	}
}
