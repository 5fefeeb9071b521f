package mqtt

import (
	"encoding/binary"
	"fmt"
)

// MaxRemainingLength 四字节变长编码可表示的最大剩余长度
const MaxRemainingLength = 268435455

func UInt16ToByte(number uint16) []byte {
	result := make([]byte, 2)
	binary.BigEndian.PutUint16(result, number)
	return result
}

func ByteToUInt16(bytes []byte) uint16 {
	if len(bytes) == 0 {
		return 0
	}
	if len(bytes) == 1 {
		return uint16(bytes[0])
	}
	return uint16(bytes[0])<<8 | uint16(bytes[1])
}

// DecodeRemainingLength 从缓冲区解析变长整数，返回数值和占用的字节数
func DecodeRemainingLength(data []byte) (int, int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ { // 最多读取4字节
		if i >= len(data) {
			return 0, 0, ErrIncomplete
		}
		encodedByte := data[i]
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, ErrMalformedLength
}

func EncodeRemainingLength(x int) []byte {
	if x == 0 {
		return []byte{0}
	}
	var buf [4]byte
	i := 0
	for x > 0 && i < 4 {
		buf[i] = byte(x % 128)
		if x /= 128; x > 0 {
			buf[i] |= 128
		}
		i++
	}
	return buf[:i]
}

func ValidateFlags(pt PacketType, flags byte) bool {
	allowed, ok := allowedFlags[pt]
	if !ok {
		return false
	}
	// 检查标志位是否在允许范围内
	return (flags & ^allowed) == 0
}

func (p *Payload) CheckRemainingLength() bool {
	return p.CurrentPtr < p.ContextLen
}

// SplitPacket 尝试从缓冲区头部切出一个完整报文
//
// It returns the packet and the number of bytes it occupied. ErrIncomplete
// means the caller should read more data and try again; the buffer is not
// consumed in that case. The returned payload aliases data.
func SplitPacket(data []byte) (*Packet, int, error) {
	if len(data) < 2 {
		return nil, 0, ErrIncomplete
	}

	remaining, n, err := DecodeRemainingLength(data[1:])
	if err != nil {
		return nil, 0, err
	}
	total := 1 + n + remaining
	if len(data) < total {
		return nil, 0, ErrIncomplete
	}

	header := &FixedHeader{
		Type:            PacketType(data[0] >> 4),
		Flags:           data[0] & 0x0F,
		RemainingLength: remaining,
	}
	if _, ok := PacketTypeMap[header.Type]; !ok {
		return nil, total, fmt.Errorf("%w: %d", ErrUnknownPacketType, header.Type)
	}
	if !ValidateFlags(header.Type, header.Flags) {
		return nil, total, fmt.Errorf("flags %d of %s packet is not valid", header.Flags, header.Type.String())
	}

	payload := data[1+n : total]
	return &Packet{
		Header: header,
		Payload: &Payload{
			Context:    payload,
			ContextLen: len(payload),
			CurrentPtr: 0,
		},
	}, total, nil
}
