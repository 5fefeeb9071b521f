package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/clock"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/packet"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/session"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

type fakeSocket struct {
	id int
}

// fakeStack 按脚本返回数据的传输栈
type fakeStack struct {
	opens      int
	connects   int
	closes     int
	writes     int
	reads      int
	mode       transport.Mode
	open       bool
	connectErr error
	readErr    error

	inbound []byte
	written []byte

	limitWrites bool
	writeBudget int
}

func (s *fakeStack) Open(mode transport.Mode) (transport.Socket, error) {
	s.opens++
	s.mode = mode
	return &fakeSocket{id: s.opens}, nil
}

func (s *fakeStack) Connect(socket transport.Socket, _ netip.AddrPort) (transport.Socket, error) {
	s.connects++
	if s.connectErr != nil {
		return socket, s.connectErr
	}
	s.open = true
	return socket, nil
}

func (s *fakeStack) IsConnected(transport.Socket) bool {
	return s.open
}

func (s *fakeStack) Write(_ transport.Socket, data []byte) (int, error) {
	if !s.open {
		return 0, transport.ErrNotConnected
	}
	n := len(data)
	if s.limitWrites {
		if s.writeBudget == 0 {
			return 0, transport.ErrWouldBlock
		}
		n = min(n, s.writeBudget)
		s.writeBudget -= n
	}
	s.writes++
	s.written = append(s.written, data[:n]...)
	return n, nil
}

func (s *fakeStack) Read(_ transport.Socket, buffer []byte) (int, error) {
	s.reads++
	if s.readErr != nil {
		return 0, s.readErr
	}
	if len(s.inbound) == 0 {
		return 0, transport.ErrWouldBlock
	}
	n := copy(buffer, s.inbound)
	s.inbound = s.inbound[n:]
	return n, nil
}

func (s *fakeStack) Close(transport.Socket) error {
	s.closes++
	s.open = false
	return nil
}

func (s *fakeStack) push(frames ...[]byte) {
	for _, frame := range frames {
		s.inbound = append(s.inbound, frame...)
	}
}

// drain 拆分并清空已写出的数据
func (s *fakeStack) drain(t *testing.T) []*mqtt.Packet {
	t.Helper()
	var result []*mqtt.Packet
	data := s.written
	for len(data) > 0 {
		pkt, n, err := mqtt.SplitPacket(data)
		if err != nil {
			t.Fatalf("Written data is not a valid packet stream: %v", err)
		}
		result = append(result, pkt)
		data = data[n:]
	}
	s.written = nil
	return result
}

func rawPacket(first byte, body []byte) []byte {
	result := append([]byte{first}, mqtt.EncodeRemainingLength(len(body))...)
	return append(result, body...)
}

func connAck(reason packet.ReasonCode, properties ...mqtt.Property) []byte {
	body := []byte{0x00, byte(reason)}
	body = append(body, mqtt.EncodeProperties(properties)...)
	return rawPacket(0x20, body)
}

func subAck(packetID uint16, reason packet.ReasonCode) []byte {
	body := append(mqtt.UInt16ToByte(packetID), 0x00, byte(reason))
	return rawPacket(0x90, body)
}

func publish(topic string, payload string, properties ...mqtt.Property) []byte {
	return packet.NewPublishPacket(&packet.PublishPacketPayloads{
		TopicName:  packet.NewFieldPayload(topic),
		Properties: properties,
		Payload:    []byte(payload),
	})
}

func newTestClient(t *testing.T, options ...Option) (*Client, *fakeStack, *clock.Manual) {
	t.Helper()
	state, err := session.New(netip.MustParseAddrPort("127.0.0.1:1883"), "IntegrationTest")
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	stack := &fakeStack{}
	clk := clock.NewManual(time.Unix(1700000000, 0))
	return New(state, stack, clk, options...), stack, clk
}

func expectTypes(t *testing.T, packets []*mqtt.Packet, types ...mqtt.PacketType) {
	t.Helper()
	if len(packets) != len(types) {
		t.Fatalf("Expected %d packets, got %d", len(types), len(packets))
	}
	for i, pkt := range packets {
		if pkt.Header.Type != types[i] {
			t.Fatalf("Expected packet %d to be %s, got %s", i, types[i], pkt.Header.Type)
		}
	}
}

func establish(t *testing.T, c *Client, stack *fakeStack, properties ...mqtt.Property) {
	t.Helper()
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	expectTypes(t, stack.drain(t), mqtt.CONNECT)
	stack.push(connAck(packet.Success, properties...))
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if c.Phase() != Connected {
		t.Fatalf("Expected phase connected, got %s", c.Phase())
	}
}

func TestPollConnects(t *testing.T) {
	c, stack, _ := newTestClient(t)

	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if c.Phase() != Connecting {
		t.Fatalf("Expected phase connecting, got %s", c.Phase())
	}
	if c.IsConnected() {
		t.Fatal("Expected session to stay disconnected before CONNACK")
	}
	if stack.opens != 1 || stack.connects != 1 {
		t.Fatalf("Expected one open and connect, got %d and %d", stack.opens, stack.connects)
	}
	if !stack.mode.IsNonBlocking() {
		t.Fatalf("Expected non-blocking mode, got %s", stack.mode)
	}
	packets := stack.drain(t)
	expectTypes(t, packets, mqtt.CONNECT)
	if keepAlive := mqtt.ByteToUInt16(packets[0].Payload.Context[8:10]); keepAlive != session.DefaultKeepAliveInterval {
		t.Fatalf("Expected keep alive %d, got %d", session.DefaultKeepAliveInterval, keepAlive)
	}

	stack.push(connAck(packet.Success,
		mqtt.Property{ID: mqtt.ServerKeepAlive, Value: 30},
		mqtt.Property{ID: mqtt.MaximumPacketSize, Value: 512},
	))
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !c.IsConnected() || c.Phase() != Connected {
		t.Fatalf("Expected connected, got %s", c.Phase())
	}
	if c.State().KeepAliveInterval() != 30 {
		t.Fatalf("Expected keep alive 30, got %d", c.State().KeepAliveInterval())
	}
	if size, ok := c.State().MaximumPacketSize(); !ok || size != 512 {
		t.Fatalf("Expected maximum packet size 512, got %d (%v)", size, ok)
	}
}

func TestRequestedKeepAlive(t *testing.T) {
	c, stack, _ := newTestClient(t, WithKeepAlive(60), WithMode(transport.Timeout(1)))

	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if stack.mode.Timeout() != time.Second {
		t.Fatalf("Expected timeout mode of 1s, got %s", stack.mode)
	}
	packets := stack.drain(t)
	expectTypes(t, packets, mqtt.CONNECT)
	if keepAlive := mqtt.ByteToUInt16(packets[0].Payload.Context[8:10]); keepAlive != 60 {
		t.Fatalf("Expected keep alive 60, got %d", keepAlive)
	}

	stack.push(connAck(packet.Success))
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if c.State().KeepAliveInterval() != 60 {
		t.Fatalf("Expected keep alive 60, got %d", c.State().KeepAliveInterval())
	}
}

func TestFragmentedConnAck(t *testing.T) {
	c, stack, _ := newTestClient(t)
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	stack.drain(t)

	ack := connAck(packet.Success, mqtt.Property{ID: mqtt.ServerKeepAlive, Value: 5})
	stack.push(ack[:3])
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if c.Phase() != Connecting {
		t.Fatalf("Expected phase connecting, got %s", c.Phase())
	}
	stack.push(ack[3:])
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if c.Phase() != Connected || c.State().KeepAliveInterval() != 5 {
		t.Fatalf("Expected connected with keep alive 5, got %s / %d", c.Phase(), c.State().KeepAliveInterval())
	}
}

func TestConnectRefused(t *testing.T) {
	c, stack, _ := newTestClient(t)
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	stack.push(connAck(packet.NotAuthorized))

	err := c.Poll(nil)
	if !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("Expected ErrConnectionRefused, got %v", err)
	}
	if c.Phase() != Disconnected || c.IsConnected() {
		t.Fatalf("Expected disconnected, got %s", c.Phase())
	}
	if stack.closes != 1 {
		t.Fatalf("Expected socket to be closed once, got %d", stack.closes)
	}
}

func TestConnectFailure(t *testing.T) {
	c, stack, _ := newTestClient(t)
	stack.connectErr = errors.New("connection refused")

	for i := 0; i < 3; i++ {
		if err := c.Poll(nil); err == nil {
			t.Fatal("Expected connect error")
		}
		if c.Phase() != Disconnected {
			t.Fatalf("Expected disconnected, got %s", c.Phase())
		}
	}
	if stack.closes != stack.opens {
		t.Fatalf("Expected every failed socket to be released, got %d opens and %d closes", stack.opens, stack.closes)
	}

	stack.connectErr = nil
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if stack.connects != 4 {
		t.Fatalf("Expected a fourth connect attempt, got %d", stack.connects)
	}
	if stack.closes != 3 {
		t.Fatalf("Expected the live socket to stay open, got %d closes", stack.closes)
	}
	expectTypes(t, stack.drain(t), mqtt.CONNECT)
}

func TestUnexpectedPacketWhileConnecting(t *testing.T) {
	c, stack, _ := newTestClient(t)
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	stack.push([]byte{0xD0, 0x00})

	if err := c.Poll(nil); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Expected ErrProtocol, got %v", err)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	c, _, clk := newTestClient(t, WithHandshakeTimeout(5*time.Second))
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	clk.Advance(6 * time.Second)

	if err := c.Poll(nil); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Expected ErrHandshakeTimeout, got %v", err)
	}
}

func TestClockFailure(t *testing.T) {
	c, stack, clk := newTestClient(t)
	clk.Fail(clock.ErrUnavailable)

	if err := c.Poll(nil); !errors.Is(err, clock.ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if stack.opens != 0 {
		t.Fatalf("Expected no socket to be opened, got %d", stack.opens)
	}
}

func TestRequiresConnection(t *testing.T) {
	c, _, _ := newTestClient(t)

	if err := c.Subscribe("response", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got %v", err)
	}
	if err := c.Publish("request", []byte("Ping")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected, got %v", err)
	}
}

func TestRequestResponse(t *testing.T) {
	c, stack, _ := newTestClient(t)
	establish(t, c, stack)

	if err := c.Subscribe("response", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Subscribe("request", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !c.SubscriptionsPending() {
		t.Fatal("Expected subscriptions to be pending")
	}
	pending := c.State().PendingSubscriptions()
	if len(pending) != 2 || pending[0] != 1 || pending[1] != 2 {
		t.Fatalf("Expected pending [1 2], got %v", pending)
	}

	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	packets := stack.drain(t)
	expectTypes(t, packets, mqtt.SUBSCRIBE, mqtt.SUBSCRIBE)
	for i, pkt := range packets {
		if id := mqtt.ByteToUInt16(pkt.Payload.Context[:2]); id != uint16(i+1) {
			t.Fatalf("Expected packet id %d, got %d", i+1, id)
		}
	}

	stack.push(subAck(1, packet.Success), subAck(2, packet.Success))
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if c.SubscriptionsPending() {
		t.Fatalf("Expected no pending subscriptions, got %v", c.State().PendingSubscriptions())
	}

	responseTopic := mqtt.Property{ID: mqtt.ResponseTopic, Data: []byte("response")}
	if err := c.Publish("request", []byte("Ping"), responseTopic); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// 服务端把请求回送给客户端，回调中发布响应
	stack.push(publish("request", "Ping", responseTopic))
	var received []string
	handler := func(c *Client, message *Message) {
		received = append(received, fmt.Sprintf("%s:%s", message.Topic, message.Payload))
		if topic, ok := message.ResponseTopic(); ok {
			if err := c.Publish(topic, []byte("Pong")); err != nil {
				t.Errorf("Publish: %v", err)
			}
		}
	}
	if err := c.Poll(handler); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(received) != 1 || received[0] != "request:Ping" {
		t.Fatalf("Expected [request:Ping], got %v", received)
	}

	packets = stack.drain(t)
	expectTypes(t, packets, mqtt.PUBLISH, mqtt.PUBLISH)
	request, err := packet.ParsePublishPacket(packets[0])
	if err != nil {
		t.Fatalf("ParsePublishPacket: %v", err)
	}
	if request.TopicName.String() != "request" || string(request.Payload) != "Ping" {
		t.Fatalf("Expected request/Ping, got %s/%s", request.TopicName.String(), request.Payload)
	}
	if property, ok := mqtt.FindProperty(request.Properties, mqtt.ResponseTopic); !ok || string(property.Data) != "response" {
		t.Fatal("Expected response topic property on request")
	}
	response, err := packet.ParsePublishPacket(packets[1])
	if err != nil {
		t.Fatalf("ParsePublishPacket: %v", err)
	}
	if response.TopicName.String() != "response" || string(response.Payload) != "Pong" {
		t.Fatalf("Expected response/Pong, got %s/%s", response.TopicName.String(), response.Payload)
	}
}

func TestSubscribeRoutesMessages(t *testing.T) {
	c, stack, _ := newTestClient(t)
	establish(t, c, stack)

	var routed []string
	err := c.Subscribe("sensors/+", func(topic string, payload []byte, _ []mqtt.Property) {
		routed = append(routed, topic+"="+string(payload))
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stack.push(subAck(1, packet.Success), publish("sensors/t1", "21"), publish("other", "x"))

	polled := 0
	if err := c.Poll(func(*Client, *Message) { polled++ }); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(routed) != 1 || routed[0] != "sensors/t1=21" {
		t.Fatalf("Expected [sensors/t1=21], got %v", routed)
	}
	if polled != 2 {
		t.Fatalf("Expected poll handler to see 2 messages, got %d", polled)
	}
}

func TestSubAckFailureRemovesRoute(t *testing.T) {
	c, stack, _ := newTestClient(t)
	establish(t, c, stack)

	routed := 0
	if err := c.Subscribe("a/+", func(string, []byte, []mqtt.Property) { routed++ }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stack.push(subAck(1, packet.NotAuthorized))
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if c.SubscriptionsPending() {
		t.Fatal("Expected rejected subscription to leave the pending set")
	}

	stack.push(publish("a/b", "x"))
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if routed != 0 {
		t.Fatalf("Expected no routed messages, got %d", routed)
	}
}

func TestRefusedResubscribeKeepsRoute(t *testing.T) {
	c, stack, _ := newTestClient(t)
	establish(t, c, stack)

	var first, second int
	if err := c.Subscribe("a/b", func(string, []byte, []mqtt.Property) { first++ }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stack.push(subAck(1, packet.Success))
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if err := c.Subscribe("a/b", func(string, []byte, []mqtt.Property) { second++ }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stack.push(subAck(2, packet.UnspecifiedError))
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	stack.push(publish("a/b", "x"))
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if first != 1 || second != 0 {
		t.Fatalf("Expected the granted handler to keep routing, got first=%d second=%d", first, second)
	}
}

func TestSubscribeCapacity(t *testing.T) {
	c, stack, _ := newTestClient(t)
	establish(t, c, stack)

	for i := 0; i < session.MaxPendingSubscriptions; i++ {
		if err := c.Subscribe(fmt.Sprintf("topic/%d", i), nil); err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
	}
	err := c.Subscribe("topic/overflow", nil)
	if !errors.Is(err, session.ErrCapacity) {
		t.Fatalf("Expected ErrCapacity, got %v", err)
	}
	if id := c.State().PacketIdentifier(); id != session.MaxPendingSubscriptions+1 {
		t.Fatalf("Expected packet id %d after overflow, got %d", session.MaxPendingSubscriptions+1, id)
	}

	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if packets := stack.drain(t); len(packets) != session.MaxPendingSubscriptions {
		t.Fatalf("Expected %d SUBSCRIBE packets, got %d", session.MaxPendingSubscriptions, len(packets))
	}
}

func TestInvalidFilters(t *testing.T) {
	c, stack, _ := newTestClient(t)
	establish(t, c, stack)

	if err := c.Subscribe("a/#/b", nil); err == nil {
		t.Fatal("Expected invalid topic filter error")
	}
	if c.SubscriptionsPending() {
		t.Fatal("Expected invalid filter to leave the pending set untouched")
	}
	if err := c.Publish("a/+", []byte("x")); !errors.Is(err, ErrInvalidTopicName) {
		t.Fatalf("Expected ErrInvalidTopicName, got %v", err)
	}
}

func TestPublishRejectsUnencodable(t *testing.T) {
	c, stack, _ := newTestClient(t)
	establish(t, c, stack)

	topics := map[string]string{
		"wildcard":     "a/+",
		"empty":        "",
		"too long":     string(bytes.Repeat([]byte("t"), 70000)),
		"invalid utf8": "a/\xff",
	}
	for name, topic := range topics {
		if err := c.Publish(topic, []byte("x")); !errors.Is(err, ErrInvalidTopicName) {
			t.Errorf("%s: expected ErrInvalidTopicName, got %v", name, err)
		}
	}

	responseTopic := mqtt.Property{ID: mqtt.ResponseTopic, Data: bytes.Repeat([]byte("r"), 70000)}
	if err := c.Publish("request", []byte("x"), responseTopic); !errors.Is(err, mqtt.ErrInvalidProperty) {
		t.Fatalf("Expected ErrInvalidProperty, got %v", err)
	}
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if written := stack.drain(t); len(written) != 0 {
		t.Fatalf("Expected nothing on the wire, got %d packets", len(written))
	}
}

func TestIncomingOversize(t *testing.T) {
	c, stack, _ := newTestClient(t, WithMaxIncomingPacket(64))
	establish(t, c, stack)
	if err := c.Subscribe("response", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// 仅有固定头部，声明的长度已超过上限
	stack.push(append([]byte{0x30}, mqtt.EncodeRemainingLength(1000)...))
	err := c.Poll(nil)
	if !errors.Is(err, ErrIncomingOversize) {
		t.Fatalf("Expected ErrIncomingOversize, got %v", err)
	}
	if c.Phase() != Disconnected {
		t.Fatalf("Expected disconnected, got %s", c.Phase())
	}
	if c.SubscriptionsPending() {
		t.Fatal("Expected session to be reset")
	}
	if stack.closes != 1 {
		t.Fatalf("Expected socket to be closed once, got %d", stack.closes)
	}
}

func TestIncomingOversizeComplete(t *testing.T) {
	c, stack, _ := newTestClient(t, WithMaxIncomingPacket(64))
	establish(t, c, stack)

	received := 0
	if err := c.Subscribe("a", func(string, []byte, []mqtt.Property) { received++ }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stack.push(subAck(1, packet.Success), publish("a", string(bytes.Repeat([]byte("p"), 100))))
	if err := c.Poll(nil); !errors.Is(err, ErrIncomingOversize) {
		t.Fatalf("Expected ErrIncomingOversize, got %v", err)
	}
	if received != 0 {
		t.Fatalf("Expected oversized message to be dropped, got %d", received)
	}
}

func TestIncomingWithinLimit(t *testing.T) {
	c, stack, _ := newTestClient(t, WithMaxIncomingPacket(64))
	establish(t, c, stack)

	received := 0
	if err := c.Subscribe("a", func(string, []byte, []mqtt.Property) { received++ }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stack.push(subAck(1, packet.Success), publish("a", "small"))
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if received != 1 || c.Phase() != Connected {
		t.Fatalf("Expected one message while connected, got %d in %s", received, c.Phase())
	}
}

func TestBlockingModeReadsOncePerPoll(t *testing.T) {
	c, stack, _ := newTestClient(t, WithMode(transport.Blocking))
	establish(t, c, stack)
	if stack.mode != transport.Blocking {
		t.Fatalf("Expected blocking socket, got %s", stack.mode)
	}

	received := 0
	if err := c.Subscribe("bulk", func(string, []byte, []mqtt.Property) { received++ }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	stack.push(subAck(1, packet.Success), publish("bulk", string(bytes.Repeat([]byte("b"), 3*defaultReadChunk))))

	before := stack.reads
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if stack.reads-before != 1 {
		t.Fatalf("Expected one read per poll, got %d", stack.reads-before)
	}
	for i := 0; i < 4 && received == 0; i++ {
		if err := c.Poll(nil); err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}
	if received != 1 {
		t.Fatalf("Expected message after further polls, got %d", received)
	}
}

func TestPublishTooLarge(t *testing.T) {
	c, stack, _ := newTestClient(t)
	establish(t, c, stack, mqtt.Property{ID: mqtt.MaximumPacketSize, Value: 32})

	if err := c.Publish("t", bytes.Repeat([]byte("x"), 64)); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("Expected ErrPacketTooLarge, got %v", err)
	}
	if err := c.Publish("t", []byte("ok")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestTransportErrorResetsSession(t *testing.T) {
	c, stack, _ := newTestClient(t)
	establish(t, c, stack)
	if err := c.Subscribe("response", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	stack.readErr = io.EOF
	err := c.Poll(nil)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Expected EOF, got %v", err)
	}
	if c.Phase() != Disconnected || c.IsConnected() {
		t.Fatalf("Expected disconnected, got %s", c.Phase())
	}
	if c.SubscriptionsPending() {
		t.Fatal("Expected pending subscriptions to be cleared")
	}
	if id := c.State().PacketIdentifier(); id != 1 {
		t.Fatalf("Expected packet id 1 after reset, got %d", id)
	}
	if stack.closes != 1 {
		t.Fatalf("Expected socket to be closed once, got %d", stack.closes)
	}

	stack.readErr = nil
	stack.drain(t)
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if stack.opens != 2 {
		t.Fatalf("Expected reconnect, got %d opens", stack.opens)
	}
	expectTypes(t, stack.drain(t), mqtt.CONNECT)
}

func TestWouldBlockKeepsFrame(t *testing.T) {
	c, stack, _ := newTestClient(t)
	stack.limitWrites = true
	stack.writeBudget = 5

	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(stack.written) != 5 {
		t.Fatalf("Expected 5 bytes written, got %d", len(stack.written))
	}
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(stack.written) != 5 {
		t.Fatalf("Expected nothing written while blocked, got %d bytes", len(stack.written))
	}

	stack.limitWrites = false
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	expectTypes(t, stack.drain(t), mqtt.CONNECT)
	if stack.writes != 2 {
		t.Fatalf("Expected the frame to be written in 2 parts, got %d", stack.writes)
	}
}

func TestKeepAlivePing(t *testing.T) {
	c, stack, clk := newTestClient(t)
	establish(t, c, stack)

	clk.Advance(9 * time.Second)
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	expectTypes(t, stack.drain(t))

	clk.Advance(time.Second)
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	expectTypes(t, stack.drain(t), mqtt.PINGREQ)

	stack.push([]byte{0xD0, 0x00})
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	clk.Advance(10 * time.Second)
	if err := c.Poll(nil); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	expectTypes(t, stack.drain(t), mqtt.PINGREQ)

	clk.Advance(16 * time.Second)
	if err := c.Poll(nil); !errors.Is(err, ErrKeepAliveTimeout) {
		t.Fatalf("Expected ErrKeepAliveTimeout, got %v", err)
	}
	if c.Phase() != Disconnected {
		t.Fatalf("Expected disconnected, got %s", c.Phase())
	}
}

func TestServerDisconnect(t *testing.T) {
	c, stack, _ := newTestClient(t)
	establish(t, c, stack)

	stack.push([]byte{0xE0, 0x01, byte(packet.ServerShuttingDown)})
	if err := c.Poll(nil); !errors.Is(err, ErrServerDisconnect) {
		t.Fatalf("Expected ErrServerDisconnect, got %v", err)
	}
	if c.IsConnected() {
		t.Fatal("Expected session to be disconnected")
	}
}

func TestClose(t *testing.T) {
	c, stack, _ := newTestClient(t)
	establish(t, c, stack)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	expectTypes(t, stack.drain(t), mqtt.DISCONNECT)
	if stack.closes != 1 {
		t.Fatalf("Expected socket to be closed once, got %d", stack.closes)
	}
	if c.Phase() != Disconnected || c.IsConnected() {
		t.Fatalf("Expected disconnected, got %s", c.Phase())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Second Close: %v", err)
	}
	if stack.closes != 1 {
		t.Fatalf("Expected second Close to be a no-op, got %d closes", stack.closes)
	}
}

func TestJournalRecordsLifecycle(t *testing.T) {
	store := database.NewMemoryStore()
	journal := database.NewJournal(store, 16)
	c, stack, _ := newTestClient(t, WithJournal(journal))

	establish(t, c, stack)
	if err := c.Subscribe("response", nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := journal.Invoke(context.Background()); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	events, err := store.ListEvents(context.Background(), "IntegrationTest", 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	expect := []database.EventKind{
		database.EventConnecting,
		database.EventConnected,
		database.EventSubscribe,
		database.EventDisconnected,
	}
	if len(events) != len(expect) {
		t.Fatalf("Expected %d events, got %d", len(expect), len(events))
	}
	for i, evt := range events {
		if evt.Kind != expect[i] {
			t.Fatalf("Expected event %d to be %s, got %s", i, expect[i], evt.Kind)
		}
	}
	if events[2].Topic != "response" || events[2].PacketID != 1 {
		t.Fatalf("Expected subscribe event for response/1, got %s/%d", events[2].Topic, events[2].PacketID)
	}
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{Disconnected, "disconnected"},
		{Connecting, "connecting"},
		{Connected, "connected"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
	}
}
