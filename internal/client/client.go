// Package client 实现驱动会话状态的协议引擎
//
// A Client is driven by repeated calls to Poll from a single goroutine. Each
// call makes whatever progress the transport allows without blocking past the
// transport mode and returns; a would-block result simply ends the current
// iteration. Fatal transport errors, handshake refusals and keep-alive
// timeouts close the socket and reset the session; the next Poll reconnects.
package client

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/eapache/queue"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/clock"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/subscription"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

var (
	ErrNotConnected      = errors.New("client is not connected")
	ErrPacketTooLarge    = errors.New("packet exceeds broker maximum packet size")
	ErrConnectionRefused = errors.New("connection refused by broker")
	ErrServerDisconnect  = errors.New("broker closed the session")
	ErrKeepAliveTimeout  = errors.New("no PINGRESP within keep alive window")
	ErrHandshakeTimeout  = errors.New("no CONNACK within handshake timeout")
	ErrProtocol          = errors.New("protocol violation")
	ErrInvalidTopicName  = errors.New("invalid topic name")
	ErrIncomingOversize  = errors.New("incoming packet exceeds receive buffer limit")
)

// Phase 连接生命周期：Disconnected -> Connecting -> Connected -> Disconnected
type Phase byte

const (
	Disconnected Phase = iota
	Connecting
	Connected
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Message struct {
	Topic      string
	Payload    []byte
	Properties []mqtt.Property
	Retain     bool
}

// ResponseTopic 返回消息携带的响应主题
func (m *Message) ResponseTopic() (string, bool) {
	property, ok := mqtt.FindProperty(m.Properties, mqtt.ResponseTopic)
	if !ok {
		return "", false
	}
	return string(property.Data), true
}

// MessageHandler 在 Poll 中同步调用，可以在回调内继续 Publish
type MessageHandler func(c *Client, message *Message)

type Client struct {
	state  *session.State
	stack  transport.Stack
	clock  clock.Clock
	router *subscription.Router

	mode             transport.Mode
	keepAlive        uint16
	keepAliveSet     bool
	username         string
	password         string
	handshakeTimeout time.Duration
	maxIncoming      int
	journal          *database.Journal

	socket      transport.Socket
	phase       Phase
	connectedAt time.Time
	startedAt   time.Time
	lastTx      time.Time
	pingSentAt  time.Time
	pingPending bool

	outbound    *queue.Queue
	writeOffset int
	rxBuf       []byte
	readChunk   []byte

	pending map[uint16]pendingSubscription
}

// pendingSubscription 记录 SUBACK 前的订阅，拒绝时据此恢复路由
type pendingSubscription struct {
	filter    string
	installed bool
	previous  subscription.Handler
}

func New(state *session.State, stack transport.Stack, clk clock.Clock, options ...Option) *Client {
	c := &Client{
		state:            state,
		stack:            stack,
		clock:            clk,
		router:           subscription.NewRouter(),
		mode:             transport.NonBlocking,
		handshakeTimeout: defaultHandshakeTimeout,
		maxIncoming:      defaultMaxIncoming,
		outbound:         queue.New(),
		readChunk:        make([]byte, defaultReadChunk),
		pending:          make(map[uint16]pendingSubscription),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

func (c *Client) State() *session.State {
	return c.state
}

func (c *Client) Phase() Phase {
	return c.phase
}

func (c *Client) IsConnected() bool {
	return c.state.IsConnected()
}

// SubscriptionsPending 是否存在尚未收到 SUBACK 的订阅
func (c *Client) SubscriptionsPending() bool {
	return c.state.HasPending()
}

// Poll 执行一次轮询迭代
func (c *Client) Poll(handler MessageHandler) error {
	now, err := c.clock.TryNow()
	if err != nil {
		return fmt.Errorf("error occured while reading clock: %w", err)
	}

	if c.phase == Disconnected {
		if err := c.connect(now); err != nil {
			return c.fail(err)
		}
	}

	if err := c.flush(now); err != nil {
		return c.fail(err)
	}
	if err := c.receive(now, handler); err != nil {
		return c.fail(err)
	}
	if err := c.checkTimers(now); err != nil {
		return c.fail(err)
	}
	if err := c.flush(now); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Client) connect(now time.Time) error {
	c.state.Reset()
	c.clearConnection()
	c.phase = Connecting
	c.startedAt = now
	c.record(database.EventConnecting, 0, "", c.mode.String())
	logger.InfoF("[%s] Connecting to %s (%s)", c.state.ClientID(), c.state.Broker(), c.mode)

	socket, err := c.stack.Open(c.mode)
	if err != nil {
		return fmt.Errorf("error occured while opening socket: %w", err)
	}
	connected, err := c.stack.Connect(socket, c.state.Broker())
	if err != nil {
		if closeErr := c.stack.Close(socket); closeErr != nil && !transport.IsNetClosedError(closeErr) {
			logger.DebugF("[%s] Release unconnected socket: %v", c.state.ClientID(), closeErr)
		}
		return err
	}
	c.socket = connected

	keepAlive := c.state.KeepAliveInterval()
	if c.keepAliveSet {
		keepAlive = c.keepAlive
	}
	c.enqueue(packet.NewConnectPacket(&packet.ConnectPacketPayloads{
		ConnectFlag:      packet.ConnectPacketFlag{CleanStart: true},
		ClientIdentifier: packet.NewFieldPayload(c.state.ClientID()),
		UsernamePayload:  packet.NewFieldPayload(c.username),
		PasswordPayload:  packet.NewFieldPayload(c.password),
		KeepAlive:        keepAlive,
	}))
	return nil
}

// fail 关闭套接字并重置会话，返回原始错误
func (c *Client) fail(cause error) error {
	logger.WarnF("[%s] Connection lost, details: %v", c.state.ClientID(), cause)
	c.closeSocket()
	c.state.Reset()
	c.clearConnection()
	c.phase = Disconnected
	c.record(database.EventSessionReset, 0, "", cause.Error())
	return cause
}

func (c *Client) closeSocket() {
	if c.socket == nil {
		return
	}
	if err := c.stack.Close(c.socket); err != nil && !transport.IsNetClosedError(err) {
		logger.WarnF("[%s] Error occured while closing connection, details: %v", c.state.ClientID(), err)
	}
	c.socket = nil
}

func (c *Client) clearConnection() {
	for c.outbound.Length() > 0 {
		c.outbound.Remove()
	}
	c.writeOffset = 0
	c.rxBuf = c.rxBuf[:0]
	c.pingPending = false
	c.pingSentAt = time.Time{}
	c.connectedAt = time.Time{}
	clear(c.pending)
}

func (c *Client) enqueue(frame []byte) {
	c.outbound.Add(frame)
}

// flush 按顺序写出队列中的报文，遇到 ErrWouldBlock 时保留剩余部分
func (c *Client) flush(now time.Time) error {
	for c.outbound.Length() > 0 {
		frame := c.outbound.Peek().([]byte)
		n, err := c.stack.Write(c.socket, frame[c.writeOffset:])
		if transport.IsWouldBlock(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error occured while sending data: %w", err)
		}
		if n == 0 {
			return nil
		}
		c.writeOffset += n
		if c.writeOffset < len(frame) {
			continue
		}
		logger.DebugF("[%s] Send %d bytes to broker", c.state.ClientID(), len(frame))
		c.outbound.Remove()
		c.writeOffset = 0
		c.lastTx = now
	}
	return nil
}

func (c *Client) receive(now time.Time, handler MessageHandler) error {
	reads := maxReadsPerPoll
	if c.mode.IsBlocking() || c.mode.Timeout() > 0 {
		// 阻塞模式下连续读取会挂起调用方
		reads = 1
	}
	for i := 0; i < reads; i++ {
		n, err := c.stack.Read(c.socket, c.readChunk)
		if transport.IsWouldBlock(err) {
			break
		}
		if err != nil {
			return fmt.Errorf("error occured while reading packet: %w", err)
		}
		if n == 0 {
			break
		}
		c.rxBuf = append(c.rxBuf, c.readChunk[:n]...)
	}

	consumed := 0
	for consumed < len(c.rxBuf) {
		pkt, n, err := mqtt.SplitPacket(c.rxBuf[consumed:])
		if errors.Is(err, mqtt.ErrIncomplete) {
			if declared, ok := declaredSize(c.rxBuf[consumed:]); ok && declared > c.maxIncoming {
				return fmt.Errorf("%w: %d bytes declared", ErrIncomingOversize, declared)
			}
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if n > c.maxIncoming {
			return fmt.Errorf("%w: %d bytes", ErrIncomingOversize, n)
		}
		consumed += n
		if err := c.handlePacket(now, pkt, handler); err != nil {
			return err
		}
		if c.phase == Disconnected {
			// 回调中调用了 Close
			return nil
		}
	}
	remaining := copy(c.rxBuf, c.rxBuf[consumed:])
	c.rxBuf = c.rxBuf[:remaining]
	if len(c.rxBuf) > c.maxIncoming {
		return fmt.Errorf("%w: %d bytes buffered", ErrIncomingOversize, len(c.rxBuf))
	}
	return nil
}

// declaredSize 返回固定头部声明的完整报文长度，头部不完整时 ok 为 false
func declaredSize(data []byte) (int, bool) {
	if len(data) < 2 {
		return 0, false
	}
	remaining, n, err := mqtt.DecodeRemainingLength(data[1:])
	if err != nil {
		return 0, false
	}
	return 1 + n + remaining, true
}

func (c *Client) handlePacket(now time.Time, pkt *mqtt.Packet, handler MessageHandler) error {
	clientID := c.state.ClientID()
	logger.DebugF("[%s] Receive %s package, %d bytes", clientID, pkt.Header.Type, pkt.Header.RemainingLength)

	if c.phase == Connecting && pkt.Header.Type != mqtt.CONNACK {
		return fmt.Errorf("%w: expected %s packet, but got %s packet", ErrProtocol, mqtt.CONNACK, pkt.Header.Type)
	}

	switch pkt.Header.Type {
	case mqtt.CONNACK:
		return c.handleConnAck(now, pkt)
	case mqtt.SUBACK:
		return c.handleSubAck(pkt)
	case mqtt.PUBLISH:
		return c.handlePublish(pkt, handler)
	case mqtt.PINGRESP:
		c.pingPending = false
		c.pingSentAt = time.Time{}
	case mqtt.DISCONNECT:
		result, err := packet.ParseDisconnectPacket(pkt)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return fmt.Errorf("%w: %s", ErrServerDisconnect, result.ReasonCode)
	default:
		logger.WarnF("[%s] %s package has not been supported", clientID, pkt.Header.Type)
	}
	return nil
}

func (c *Client) handleConnAck(now time.Time, pkt *mqtt.Packet) error {
	if c.phase != Connecting {
		return fmt.Errorf("%w: connack received while connected", ErrProtocol)
	}
	result, err := packet.ParseConnAckPacket(pkt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if result.ReasonCode.IsFailure() {
		c.record(database.EventConnectRefused, 0, "", result.ReasonCode.String())
		return fmt.Errorf("%w: %s", ErrConnectionRefused, result.ReasonCode)
	}

	keepAlive := c.state.KeepAliveInterval()
	if c.keepAliveSet {
		keepAlive = c.keepAlive
	}
	if property, ok := mqtt.FindProperty(result.Properties, mqtt.ServerKeepAlive); ok {
		keepAlive = uint16(property.Value)
	}
	c.state.SetKeepAliveInterval(keepAlive)
	if property, ok := mqtt.FindProperty(result.Properties, mqtt.MaximumPacketSize); ok {
		c.state.SetMaximumPacketSize(property.Value)
	}
	if property, ok := mqtt.FindProperty(result.Properties, mqtt.AssignedClientIdentifier); ok {
		logger.WarnF("[%s] Ignoring assigned client identifier %q", c.state.ClientID(), property.Data)
	}

	c.state.SetConnected(true)
	c.phase = Connected
	c.connectedAt = now
	c.lastTx = now
	c.record(database.EventConnected, 0, "", fmt.Sprintf("keep_alive=%ds session_present=%v", keepAlive, result.SessionPresent))
	logger.InfoF("[%s] Connected to %s, keep alive %ds", c.state.ClientID(), c.state.Broker(), keepAlive)
	return nil
}

func (c *Client) handleSubAck(pkt *mqtt.Packet) error {
	result, err := packet.ParseSubAckPacket(pkt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	pending, known := c.pending[result.PacketID]
	if !known {
		logger.WarnF("[%s] SUBACK for unknown packet id %d", c.state.ClientID(), result.PacketID)
	}
	c.state.RemovePendingSubscription(result.PacketID)
	delete(c.pending, result.PacketID)

	reason := result.ReasonCodes[0]
	if reason.IsFailure() {
		logger.WarnF("[%s] Subscription %q rejected: %s", c.state.ClientID(), pending.filter, reason)
		c.restoreRoute(pending)
	}
	c.record(database.EventSubscribeAck, result.PacketID, pending.filter, reason.String())
	return nil
}

// restoreRoute 撤销被拒绝的订阅所注册的路由，已授予的旧路由保持有效
func (c *Client) restoreRoute(pending pendingSubscription) {
	if !pending.installed {
		return
	}
	if pending.previous == nil {
		c.router.Remove(pending.filter)
		return
	}
	if err := c.router.Add(pending.filter, pending.previous); err != nil {
		logger.WarnF("[%s] Fail to restore route %s, details: %v", c.state.ClientID(), pending.filter, err)
	}
}

func (c *Client) handlePublish(pkt *mqtt.Packet, handler MessageHandler) error {
	result, err := packet.ParsePublishPacket(pkt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if result.PacketFlag.QoS > 0 {
		logger.WarnF("[%s] Received QoS %d message on %s, acknowledgement is not supported", c.state.ClientID(), result.PacketFlag.QoS, result.TopicName)
	}
	message := &Message{
		Topic:      result.TopicName.String(),
		Payload:    bytes.Clone(result.Payload),
		Properties: cloneProperties(result.Properties),
		Retain:     result.PacketFlag.Retain,
	}
	c.router.Dispatch(message.Topic, message.Payload, message.Properties)
	if handler != nil {
		handler(c, message)
	}
	return nil
}

// cloneProperties 属性数据引用接收缓冲区，交给调用方前需要复制
func cloneProperties(properties []mqtt.Property) []mqtt.Property {
	if len(properties) == 0 {
		return nil
	}
	result := make([]mqtt.Property, len(properties))
	for i, property := range properties {
		result[i] = mqtt.Property{
			ID:    property.ID,
			Value: property.Value,
			Key:   bytes.Clone(property.Key),
			Data:  bytes.Clone(property.Data),
		}
	}
	return result
}

func (c *Client) checkTimers(now time.Time) error {
	switch c.phase {
	case Connecting:
		if c.handshakeTimeout > 0 && now.Sub(c.startedAt) > c.handshakeTimeout {
			return ErrHandshakeTimeout
		}
	case Connected:
		seconds := c.state.KeepAliveInterval()
		if seconds == 0 {
			return nil
		}
		interval := time.Duration(seconds) * time.Second
		if c.pingPending {
			if now.Sub(c.pingSentAt) > interval*3/2 {
				return ErrKeepAliveTimeout
			}
			return nil
		}
		if now.Sub(c.lastTx) >= interval {
			c.enqueue(packet.NewPingReqPacket())
			c.pingPending = true
			c.pingSentAt = now
		}
	}
	return nil
}

func (c *Client) checkSize(frame []byte) error {
	if limit, ok := c.state.MaximumPacketSize(); ok && uint32(len(frame)) > limit {
		return fmt.Errorf("%w: %d > %d bytes", ErrPacketTooLarge, len(frame), limit)
	}
	return nil
}

// Subscribe 发送 SUBSCRIBE 并记录未确认订阅，handler 可以为 nil
func (c *Client) Subscribe(topicFilter string, handler subscription.Handler) error {
	if c.phase != Connected {
		return ErrNotConnected
	}
	if err := subscription.ValidateTopicFilter(topicFilter); err != nil {
		return err
	}

	packetID := c.state.PacketIdentifier()
	frame := packet.NewSubscribePacket(&packet.SubscribePacketPayloads{
		PacketID:    packetID,
		TopicFilter: packet.NewFieldPayload(topicFilter),
	})
	if err := c.checkSize(frame); err != nil {
		return err
	}
	if err := c.state.InsertPendingSubscription(packetID); err != nil {
		return err
	}
	pending := pendingSubscription{filter: topicFilter}
	if handler != nil {
		pending.previous, _ = c.router.Lookup(topicFilter)
		if err := c.router.Add(topicFilter, handler); err != nil {
			c.state.RemovePendingSubscription(packetID)
			return err
		}
		pending.installed = true
	}
	c.state.AdvancePacketIdentifier()
	c.pending[packetID] = pending
	c.enqueue(frame)
	c.record(database.EventSubscribe, packetID, topicFilter, "")
	logger.DebugF("[%s] Subscribe %s with packet id %d", c.state.ClientID(), topicFilter, packetID)
	return nil
}

// validateTopicName 主题名不能为空、不能含通配符，长度受 16 位长度前缀限制
func validateTopicName(topic string) error {
	if topic == "" || len(topic) > 0xFFFF || !utf8.ValidString(topic) || strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %.64q", ErrInvalidTopicName, topic)
	}
	return nil
}

// Publish 以 QoS 0 发布消息
func (c *Client) Publish(topic string, payload []byte, properties ...mqtt.Property) error {
	if c.phase != Connected {
		return ErrNotConnected
	}
	if err := validateTopicName(topic); err != nil {
		return err
	}
	if err := mqtt.ValidateProperties(properties); err != nil {
		return err
	}
	frame := packet.NewPublishPacket(&packet.PublishPacketPayloads{
		TopicName:  packet.NewFieldPayload(topic),
		Properties: properties,
		Payload:    payload,
	})
	if err := c.checkSize(frame); err != nil {
		return err
	}
	c.enqueue(frame)
	c.record(database.EventPublish, 0, topic, "")
	return nil
}

// Close 发送 DISCONNECT（尽力而为）后关闭连接并重置会话
func (c *Client) Close() error {
	if c.socket == nil {
		c.state.Reset()
		c.phase = Disconnected
		return nil
	}
	var err error
	if c.phase == Connected {
		c.enqueue(packet.NewDisconnectPacket(packet.Success))
		now, clockErr := c.clock.TryNow()
		if clockErr != nil {
			now = c.lastTx
		}
		err = c.flush(now)
	}
	closeErr := c.stack.Close(c.socket)
	c.socket = nil
	c.state.Reset()
	c.clearConnection()
	c.phase = Disconnected
	c.record(database.EventDisconnected, 0, "", "client close")
	logger.InfoF("[%s] Client disconnect", c.state.ClientID())
	if err != nil {
		return err
	}
	if closeErr != nil && !transport.IsNetClosedError(closeErr) {
		return closeErr
	}
	return nil
}

func (c *Client) record(kind database.EventKind, packetID uint16, topic string, detail string) {
	if c.journal == nil {
		return
	}
	evt := database.NewSessionEvent(c.state.ClientID(), c.state.Broker().String(), kind)
	evt.PacketID = packetID
	evt.Topic = topic
	evt.Detail = detail
	c.journal.Record(evt)
}
