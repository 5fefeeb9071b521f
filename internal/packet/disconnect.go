package packet

import (
	"fmt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

type DisconnectPacketPayloads struct {
	ReasonCode ReasonCode
	Properties []mqtt.Property
}

// NewDisconnectPacket 正常断开时省略原因码和属性
func NewDisconnectPacket(reasonCode ReasonCode) []byte {
	if reasonCode == Success {
		return []byte{0xE0, 0x00}
	}
	return newPacket(mqtt.DISCONNECT, 0, []byte{byte(reasonCode), 0x00})
}

// ParseDisconnectPacket 解析服务端发送的 DISCONNECT
func ParseDisconnectPacket(packet *mqtt.Packet) (*DisconnectPacketPayloads, error) {
	result := &DisconnectPacketPayloads{ReasonCode: Success}
	if !packet.Payload.CheckRemainingLength() {
		return result, nil
	}
	code, err := readPacketByte(packet.Payload)
	if err != nil {
		return nil, fmt.Errorf("unable to read disconnect reason code, details: %v", err)
	}
	result.ReasonCode = ReasonCode(code)
	if !packet.Payload.CheckRemainingLength() {
		return result, nil
	}
	properties, err := readPacketProperties(packet.Payload)
	if err != nil {
		return nil, fmt.Errorf("disconnect properties: %w", err)
	}
	result.Properties = properties
	return result, nil
}
