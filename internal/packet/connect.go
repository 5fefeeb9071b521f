package packet

// 控制包类型 CONNECT / CONNACK 相关函数

import (
	"errors"
	"fmt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

// ConnectPacketFlag CONNECT控制包连接标志位
type ConnectPacketFlag struct {
	UsernameFlag bool
	PasswordFlag bool
	CleanStart   bool
}

type ConnectPacketPayloads struct {
	ConnectFlag      ConnectPacketFlag
	ClientIdentifier FieldPayload
	UsernamePayload  FieldPayload
	PasswordPayload  FieldPayload
	KeepAlive        uint16
	Properties       []mqtt.Property
}

type ConnAckPacketPayloads struct {
	SessionPresent bool
	ReasonCode     ReasonCode
	Properties     []mqtt.Property
}

func (flag ConnectPacketFlag) encode() byte {
	var result byte
	if flag.UsernameFlag {
		result |= 0x80
	}
	if flag.PasswordFlag {
		result |= 0x40
	}
	if flag.CleanStart {
		result |= 0x02
	}
	return result
}

// NewConnectPacket 编码 CONNECT 控制包
func NewConnectPacket(payloads *ConnectPacketPayloads) []byte {
	flag := payloads.ConnectFlag
	flag.UsernameFlag = payloads.UsernamePayload.PayloadLength > 0
	flag.PasswordFlag = payloads.PasswordPayload.PayloadLength > 0

	body := make([]byte, 0, 16+payloads.ClientIdentifier.PayloadLength)
	body = appendField(body, []byte("MQTT"))
	body = append(body, mqtt.ProtocolVersion, flag.encode())
	body = append(body, mqtt.UInt16ToByte(payloads.KeepAlive)...)
	body = append(body, mqtt.EncodeProperties(payloads.Properties)...)
	body = appendField(body, payloads.ClientIdentifier.Payload)
	if flag.UsernameFlag {
		body = appendField(body, payloads.UsernamePayload.Payload)
	}
	if flag.PasswordFlag {
		body = appendField(body, payloads.PasswordPayload.Payload)
	}
	return newPacket(mqtt.CONNECT, 0, body)
}

// ParseConnAckPacket 解析 CONNACK 控制包的可变头
func ParseConnAckPacket(packet *mqtt.Packet) (*ConnAckPacketPayloads, error) {
	if packet.Header.Type != mqtt.CONNACK {
		return nil, fmt.Errorf("expected %s packet, but got %s packet", mqtt.CONNACK, packet.Header.Type)
	}
	payload := packet.Payload
	result := &ConnAckPacketPayloads{}

	ackFlags, err := readPacketByte(payload)
	if err != nil {
		return nil, errors.New("insufficient bytes for connect acknowledge flags")
	}
	if ackFlags&0xFE != 0 {
		return nil, fmt.Errorf("reserved connect acknowledge flags set: %08b", ackFlags)
	}
	result.SessionPresent = ackFlags&0x01 == 1

	reasonCode, err := readPacketByte(payload)
	if err != nil {
		return nil, errors.New("insufficient bytes for connect reason code")
	}
	result.ReasonCode = ReasonCode(reasonCode)

	// 失败的 CONNACK 可以省略属性区
	if !payload.CheckRemainingLength() {
		return result, nil
	}
	properties, err := readPacketProperties(payload)
	if err != nil {
		return nil, fmt.Errorf("connack properties: %w", err)
	}
	result.Properties = properties
	return result, nil
}
