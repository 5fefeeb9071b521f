package mqtt

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// PropertyID MQTT 5.0 属性标识符
type PropertyID byte

const (
	PayloadFormatIndicator          PropertyID = 0x01
	MessageExpiryInterval           PropertyID = 0x02
	ContentType                     PropertyID = 0x03
	ResponseTopic                   PropertyID = 0x08
	CorrelationData                 PropertyID = 0x09
	SubscriptionIdentifier          PropertyID = 0x0B
	SessionExpiryInterval           PropertyID = 0x11
	AssignedClientIdentifier        PropertyID = 0x12
	ServerKeepAlive                 PropertyID = 0x13
	AuthenticationMethod            PropertyID = 0x15
	AuthenticationData              PropertyID = 0x16
	RequestProblemInformation       PropertyID = 0x17
	WillDelayInterval               PropertyID = 0x18
	RequestResponseInformation      PropertyID = 0x19
	ResponseInformation             PropertyID = 0x1A
	ServerReference                 PropertyID = 0x1C
	ReasonString                    PropertyID = 0x1F
	ReceiveMaximum                  PropertyID = 0x21
	TopicAliasMaximum               PropertyID = 0x22
	TopicAlias                      PropertyID = 0x23
	MaximumQoS                      PropertyID = 0x24
	RetainAvailable                 PropertyID = 0x25
	UserProperty                    PropertyID = 0x26
	MaximumPacketSize               PropertyID = 0x27
	WildcardSubscriptionAvailable   PropertyID = 0x28
	SubscriptionIdentifierAvailable PropertyID = 0x29
	SharedSubscriptionAvailable     PropertyID = 0x2A
)

type propertyKind byte

const (
	kindByte propertyKind = iota
	kindTwoByte
	kindFourByte
	kindVarint
	kindString
	kindBinary
	kindStringPair
)

var propertyKinds = map[PropertyID]propertyKind{
	PayloadFormatIndicator:          kindByte,
	MessageExpiryInterval:           kindFourByte,
	ContentType:                     kindString,
	ResponseTopic:                   kindString,
	CorrelationData:                 kindBinary,
	SubscriptionIdentifier:          kindVarint,
	SessionExpiryInterval:           kindFourByte,
	AssignedClientIdentifier:        kindString,
	ServerKeepAlive:                 kindTwoByte,
	AuthenticationMethod:            kindString,
	AuthenticationData:              kindBinary,
	RequestProblemInformation:       kindByte,
	WillDelayInterval:               kindFourByte,
	RequestResponseInformation:      kindByte,
	ResponseInformation:             kindString,
	ServerReference:                 kindString,
	ReasonString:                    kindString,
	ReceiveMaximum:                  kindTwoByte,
	TopicAliasMaximum:               kindTwoByte,
	TopicAlias:                      kindTwoByte,
	MaximumQoS:                      kindByte,
	RetainAvailable:                 kindByte,
	UserProperty:                    kindStringPair,
	MaximumPacketSize:               kindFourByte,
	WildcardSubscriptionAvailable:   kindByte,
	SubscriptionIdentifierAvailable: kindByte,
	SharedSubscriptionAvailable:     kindByte,
}

// Property 单个属性，整数类属性使用 Value，字符串和二进制使用 Data，
// 用户属性的键值分别存放在 Key 和 Data
type Property struct {
	ID    PropertyID
	Value uint32
	Key   []byte
	Data  []byte
}

// ParseProperties 解析不含长度前缀的属性区
func ParseProperties(data []byte) ([]Property, error) {
	var result []Property
	ptr := 0
	for ptr < len(data) {
		id := PropertyID(data[ptr])
		ptr++
		kind, ok := propertyKinds[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown property 0x%02X", ErrMalformedProperties, byte(id))
		}
		property := Property{ID: id}
		switch kind {
		case kindByte:
			if ptr+1 > len(data) {
				return nil, ErrMalformedProperties
			}
			property.Value = uint32(data[ptr])
			ptr++
		case kindTwoByte:
			if ptr+2 > len(data) {
				return nil, ErrMalformedProperties
			}
			property.Value = uint32(binary.BigEndian.Uint16(data[ptr:]))
			ptr += 2
		case kindFourByte:
			if ptr+4 > len(data) {
				return nil, ErrMalformedProperties
			}
			property.Value = binary.BigEndian.Uint32(data[ptr:])
			ptr += 4
		case kindVarint:
			value, n, err := DecodeRemainingLength(data[ptr:])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedProperties, err)
			}
			property.Value = uint32(value)
			ptr += n
		case kindString, kindBinary:
			field, n, err := readLengthPrefixed(data[ptr:])
			if err != nil {
				return nil, err
			}
			property.Data = field
			ptr += n
		case kindStringPair:
			key, n, err := readLengthPrefixed(data[ptr:])
			if err != nil {
				return nil, err
			}
			ptr += n
			value, n, err := readLengthPrefixed(data[ptr:])
			if err != nil {
				return nil, err
			}
			ptr += n
			property.Key = key
			property.Data = value
		}
		result = append(result, property)
	}
	return result, nil
}

// EncodeProperties 编码属性区，包含变长长度前缀
func EncodeProperties(properties []Property) []byte {
	body := make([]byte, 0)
	for _, property := range properties {
		kind, ok := propertyKinds[property.ID]
		if !ok {
			continue
		}
		body = append(body, byte(property.ID))
		switch kind {
		case kindByte:
			body = append(body, byte(property.Value))
		case kindTwoByte:
			body = append(body, UInt16ToByte(uint16(property.Value))...)
		case kindFourByte:
			body = binary.BigEndian.AppendUint32(body, property.Value)
		case kindVarint:
			body = append(body, EncodeRemainingLength(int(property.Value))...)
		case kindString, kindBinary:
			body = appendLengthPrefixed(body, property.Data)
		case kindStringPair:
			body = appendLengthPrefixed(body, property.Key)
			body = appendLengthPrefixed(body, property.Data)
		}
	}
	return append(EncodeRemainingLength(len(body)), body...)
}

// ValidateProperties 检查属性能否无损编码：字段长度受 16 位长度前缀限制，
// 字符串必须是合法 UTF-8，变长整数不超过 268435455
func ValidateProperties(properties []Property) error {
	for _, property := range properties {
		kind, ok := propertyKinds[property.ID]
		if !ok {
			return fmt.Errorf("%w: unknown property 0x%02X", ErrInvalidProperty, byte(property.ID))
		}
		switch kind {
		case kindVarint:
			if property.Value > MaxRemainingLength {
				return fmt.Errorf("%w: property 0x%02X value %d out of range", ErrInvalidProperty, byte(property.ID), property.Value)
			}
		case kindString, kindBinary, kindStringPair:
			fields := [][]byte{property.Data}
			if kind == kindStringPair {
				fields = append(fields, property.Key)
			}
			for _, field := range fields {
				if len(field) > 0xFFFF {
					return fmt.Errorf("%w: property 0x%02X field of %d bytes", ErrInvalidProperty, byte(property.ID), len(field))
				}
				if kind != kindBinary && !utf8.Valid(field) {
					return fmt.Errorf("%w: property 0x%02X is not valid UTF-8", ErrInvalidProperty, byte(property.ID))
				}
			}
		}
	}
	return nil
}

func FindProperty(properties []Property, id PropertyID) (Property, bool) {
	for _, property := range properties {
		if property.ID == id {
			return property, true
		}
	}
	return Property{}, false
}

func readLengthPrefixed(data []byte) ([]byte, int, error) {
	if len(data) < 2 {
		return nil, 0, ErrMalformedProperties
	}
	length := int(ByteToUInt16(data[:2]))
	if 2+length > len(data) {
		return nil, 0, fmt.Errorf("%w: field length %d exceeds buffer (len=%d)", ErrMalformedProperties, length, len(data)-2)
	}
	return data[2 : 2+length], 2 + length, nil
}

func appendLengthPrefixed(dst []byte, field []byte) []byte {
	dst = append(dst, UInt16ToByte(uint16(len(field)))...)
	return append(dst, field...)
}
