package packet

import (
	"errors"
	"fmt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

type FieldPayload struct {
	PayloadLength int
	Payload       []byte
}

func NewFieldPayload(value string) FieldPayload {
	return FieldPayload{PayloadLength: len(value), Payload: []byte(value)}
}

func (f FieldPayload) String() string {
	return string(f.Payload)
}

func readPacketByte(payload *mqtt.Payload) (byte, error) {
	startByte := payload.CurrentPtr
	if startByte >= payload.ContextLen {
		return 0, errors.New("invalid packet context length")
	}
	payload.CurrentPtr++
	return payload.Context[startByte], nil
}

func readPacketBytes(payload *mqtt.Payload, length int) ([]byte, error) {
	if length < 0 {
		return nil, errors.New("invalid reading length, except >= 0")
	}
	if length == 0 {
		return []byte{}, nil
	}
	if length == 1 {
		bytes, err := readPacketByte(payload)
		return []byte{bytes}, err
	}
	startByte := payload.CurrentPtr
	contextLen := payload.ContextLen
	if startByte >= contextLen {
		return nil, errors.New("invalid packet context length")
	}
	end := startByte + length
	if end > contextLen {
		return nil, errors.New("invalid packet context length")
	}
	data := payload.Context[startByte:end]
	payload.CurrentPtr = end
	return data, nil
}

func readPacketPayload(payload *mqtt.Payload) (FieldPayload, error) {
	startByte := payload.CurrentPtr
	contextLen := payload.ContextLen
	if startByte+1 >= contextLen {
		return FieldPayload{}, errors.New("insufficient bytes for length")
	}
	length := int(mqtt.ByteToUInt16(payload.Context[startByte : startByte+2]))
	end := startByte + 2 + length
	if end > contextLen {
		return FieldPayload{}, fmt.Errorf("payload length %d exceeds buffer (len=%d)", length, contextLen)
	}
	payload.CurrentPtr += 2 + length
	return FieldPayload{
		PayloadLength: length,
		Payload:       payload.Context[startByte+2 : end],
	}, nil
}

// readPacketProperties 读取 v5 属性区（变长长度前缀 + 属性列表）
func readPacketProperties(payload *mqtt.Payload) ([]mqtt.Property, error) {
	length, n, err := mqtt.DecodeRemainingLength(payload.Context[payload.CurrentPtr:payload.ContextLen])
	if err != nil {
		return nil, fmt.Errorf("unable to read properties length, details: %w", err)
	}
	payload.CurrentPtr += n
	data, err := readPacketBytes(payload, length)
	if err != nil {
		return nil, fmt.Errorf("unable to read properties, details: %w", err)
	}
	return mqtt.ParseProperties(data)
}

// newPacket 组装固定头部和剩余部分
func newPacket(packetType mqtt.PacketType, flags byte, body []byte) []byte {
	packet := make([]byte, 1, 1+4+len(body))
	packet[0] = byte(packetType)<<4 | flags&0x0F
	packet = append(packet, mqtt.EncodeRemainingLength(len(body))...)
	packet = append(packet, body...)
	return packet
}

func appendField(dst []byte, field []byte) []byte {
	dst = append(dst, mqtt.UInt16ToByte(uint16(len(field)))...)
	return append(dst, field...)
}

// ReasonCode MQTT 5.0 原因码
type ReasonCode byte

const (
	Success                     ReasonCode = 0x00
	GrantedQoS1                 ReasonCode = 0x01
	GrantedQoS2                 ReasonCode = 0x02
	DisconnectWithWill          ReasonCode = 0x04
	UnspecifiedError            ReasonCode = 0x80
	MalformedPacket             ReasonCode = 0x81
	ProtocolError               ReasonCode = 0x82
	ImplementationSpecificError ReasonCode = 0x83
	UnsupportedProtocolVersion  ReasonCode = 0x84
	ClientIdentifierNotValid    ReasonCode = 0x85
	BadUsernameOrPassword       ReasonCode = 0x86
	NotAuthorized               ReasonCode = 0x87
	ServerUnavailable           ReasonCode = 0x88
	ServerBusy                  ReasonCode = 0x89
	Banned                      ReasonCode = 0x8A
	ServerShuttingDown          ReasonCode = 0x8B
	KeepAliveTimeout            ReasonCode = 0x8D
	SessionTakenOver            ReasonCode = 0x8E
	TopicFilterInvalid          ReasonCode = 0x8F
	PacketTooLarge              ReasonCode = 0x95
	QuotaExceeded               ReasonCode = 0x97
)

var reasonCodeMap = map[ReasonCode]string{
	Success:                     "success",
	GrantedQoS1:                 "granted qos 1",
	GrantedQoS2:                 "granted qos 2",
	DisconnectWithWill:          "disconnect with will message",
	UnspecifiedError:            "unspecified error",
	MalformedPacket:             "malformed packet",
	ProtocolError:               "protocol error",
	ImplementationSpecificError: "implementation specific error",
	UnsupportedProtocolVersion:  "unsupported protocol version",
	ClientIdentifierNotValid:    "client identifier not valid",
	BadUsernameOrPassword:       "bad user name or password",
	NotAuthorized:               "not authorized",
	ServerUnavailable:           "server unavailable",
	ServerBusy:                  "server busy",
	Banned:                      "banned",
	ServerShuttingDown:          "server shutting down",
	KeepAliveTimeout:            "keep alive timeout",
	SessionTakenOver:            "session taken over",
	TopicFilterInvalid:          "topic filter invalid",
	PacketTooLarge:              "packet too large",
	QuotaExceeded:               "quota exceeded",
}

func (r ReasonCode) String() string {
	if name, ok := reasonCodeMap[r]; ok {
		return name
	}
	return fmt.Sprintf("reason code 0x%02X", byte(r))
}

// IsFailure 原因码大于等于 0x80 表示失败
func (r ReasonCode) IsFailure() bool {
	return r >= 0x80
}
