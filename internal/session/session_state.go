// Package session 保存 MQTT 客户端的会话状态
//
// State separates identity (broker address and client identifier), which
// survives reconnects, from volatile session data, which Reset restores to
// its construction defaults on every fresh connection attempt. A State has a
// single owner, the protocol engine, and is not safe for concurrent use.
package session

import (
	"fmt"
	"net/netip"
)

const (
	// MaxClientIDLength 客户端标识符最大长度（字节）
	MaxClientIDLength = 32
	// MaxPendingSubscriptions 未确认订阅的最大数量
	MaxPendingSubscriptions = 32
	// DefaultKeepAliveInterval 默认心跳间隔（秒）
	DefaultKeepAliveInterval uint16 = 10
	// DefaultBrokerPort is used when the broker address carries port 0.
	DefaultBrokerPort uint16 = 1883
)

// State 单个客户端连接的会话状态，身份字段在 Reset 后保持不变
type State struct {
	broker   netip.AddrPort
	clientID string

	connected         bool
	keepAliveInterval uint16
	maximumPacketSize uint32
	hasMaximumSize    bool

	pendingSubscriptions [MaxPendingSubscriptions]uint16
	pendingLen           int

	packetID packetIdentifier
}

// New 创建会话状态，clientID 超过 MaxClientIDLength 字节时返回 ErrInvalidIdentifier
func New(broker netip.AddrPort, clientID string) (*State, error) {
	if len(clientID) > MaxClientIDLength {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrInvalidIdentifier, len(clientID), MaxClientIDLength)
	}
	if broker.Port() == 0 {
		broker = netip.AddrPortFrom(broker.Addr(), DefaultBrokerPort)
	}
	state := &State{
		broker:   broker,
		clientID: clientID,
	}
	state.Reset()
	return state, nil
}

// Reset restores every volatile field to its construction default. Identity
// is left untouched. Reset is idempotent and never fails.
func (s *State) Reset() {
	s.connected = false
	s.packetID = initialPacketIdentifier
	s.keepAliveInterval = DefaultKeepAliveInterval
	s.maximumPacketSize = 0
	s.hasMaximumSize = false
	s.pendingSubscriptions = [MaxPendingSubscriptions]uint16{}
	s.pendingLen = 0
}

// Broker returns the broker address, with the default port filled in.
func (s *State) Broker() netip.AddrPort {
	return s.broker
}

// ClientID 客户端标识符
func (s *State) ClientID() string {
	return s.clientID
}

// IsConnected reports whether a CONNACK with a success code has been accepted.
func (s *State) IsConnected() bool {
	return s.connected
}

// SetConnected 由引擎在握手完成或连接断开时调用
func (s *State) SetConnected(connected bool) {
	s.connected = connected
}

// KeepAliveInterval 心跳间隔（秒）
func (s *State) KeepAliveInterval() uint16 {
	return s.keepAliveInterval
}

// SetKeepAliveInterval 采用服务端 Server Keep Alive 指定的间隔
func (s *State) SetKeepAliveInterval(seconds uint16) {
	s.keepAliveInterval = seconds
}

// MaximumPacketSize returns the broker advertised packet size limit, if any.
func (s *State) MaximumPacketSize() (uint32, bool) {
	return s.maximumPacketSize, s.hasMaximumSize
}

// SetMaximumPacketSize records the limit from the CONNACK Maximum Packet Size property.
func (s *State) SetMaximumPacketSize(size uint32) {
	s.maximumPacketSize = size
	s.hasMaximumSize = true
}

// PacketIdentifier returns the identifier for the next packet that requires
// acknowledgement without consuming it.
func (s *State) PacketIdentifier() uint16 {
	return uint16(s.packetID)
}

// AdvancePacketIdentifier moves the allocator forward by one, skipping zero.
func (s *State) AdvancePacketIdentifier() {
	s.packetID = s.packetID.advance()
}

// NextPacketIdentifier 获取当前标识符并推进计数器
func (s *State) NextPacketIdentifier() uint16 {
	id := s.PacketIdentifier()
	s.AdvancePacketIdentifier()
	return id
}

// InsertPendingSubscription records a subscription awaiting its SUBACK.
// It fails with ErrCapacity instead of dropping entries once the set is full.
func (s *State) InsertPendingSubscription(id uint16) error {
	if s.pendingLen >= MaxPendingSubscriptions {
		return fmt.Errorf("%w: %d entries", ErrCapacity, MaxPendingSubscriptions)
	}
	s.pendingSubscriptions[s.pendingLen] = id
	s.pendingLen++
	return nil
}

// RemovePendingSubscription drops the first entry matching id. A missing
// entry is not an error: acknowledgements may race with a reset.
func (s *State) RemovePendingSubscription(id uint16) {
	for i := 0; i < s.pendingLen; i++ {
		if s.pendingSubscriptions[i] != id {
			continue
		}
		copy(s.pendingSubscriptions[i:s.pendingLen], s.pendingSubscriptions[i+1:s.pendingLen])
		s.pendingLen--
		s.pendingSubscriptions[s.pendingLen] = 0
		return
	}
}

// PendingCount 等待 SUBACK 的订阅数量
func (s *State) PendingCount() int {
	return s.pendingLen
}

// HasPending reports whether any subscription still awaits its SUBACK.
func (s *State) HasPending() bool {
	return s.pendingLen > 0
}

// PendingSubscriptions returns a copy of the identifiers awaiting SUBACK.
func (s *State) PendingSubscriptions() []uint16 {
	result := make([]uint16, s.pendingLen)
	copy(result, s.pendingSubscriptions[:s.pendingLen])
	return result
}

func (s *State) String() string {
	return fmt.Sprintf("client_id=%s broker=%s connected=%v keep_alive=%ds packet_id=%d pending=%d",
		s.clientID, s.broker, s.connected, s.keepAliveInterval, s.packetID, s.pendingLen)
}
