package packet

import (
	"encoding/binary"
	"fmt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

type SubscribePacketPayloads struct {
	PacketID    uint16
	TopicFilter FieldPayload
	QoS         byte
	Properties  []mqtt.Property
}

type SubAckPacketPayloads struct {
	PacketID    uint16
	ReasonCodes []ReasonCode
	Properties  []mqtt.Property
}

// NewSubscribePacket 编码只包含一个主题过滤器的 SUBSCRIBE 控制包
func NewSubscribePacket(payloads *SubscribePacketPayloads) []byte {
	body := make([]byte, 0, 8+payloads.TopicFilter.PayloadLength)
	body = append(body, mqtt.UInt16ToByte(payloads.PacketID)...)
	body = append(body, mqtt.EncodeProperties(payloads.Properties)...)
	body = appendField(body, payloads.TopicFilter.Payload)
	body = append(body, payloads.QoS&0x03)
	return newPacket(mqtt.SUBSCRIBE, 0x02, body)
}

func ParseSubAckPacket(packet *mqtt.Packet) (*SubAckPacketPayloads, error) {
	if packet.Header.Type != mqtt.SUBACK {
		return nil, fmt.Errorf("expected %s packet, but got %s packet", mqtt.SUBACK, packet.Header.Type)
	}
	result := &SubAckPacketPayloads{}

	packetId, err := readPacketBytes(packet.Payload, 2)
	if err != nil {
		return nil, fmt.Errorf("error occured when reading packet ID, details: %v", err)
	}
	result.PacketID = binary.BigEndian.Uint16(packetId)

	properties, err := readPacketProperties(packet.Payload)
	if err != nil {
		return nil, fmt.Errorf("error occured when reading suback properties, details: %w", err)
	}
	result.Properties = properties

	for packet.Payload.CheckRemainingLength() {
		code, err := readPacketByte(packet.Payload)
		if err != nil {
			return nil, fmt.Errorf("error occured when reading reason code, details: %v", err)
		}
		result.ReasonCodes = append(result.ReasonCodes, ReasonCode(code))
	}
	if len(result.ReasonCodes) == 0 {
		return nil, fmt.Errorf("suback for packet %d carries no reason codes", result.PacketID)
	}
	return result, nil
}
