package session

// packetIdentifier 是客户端报文标识符计数器，取值范围 1..65535，永远不为 0
type packetIdentifier uint16

const initialPacketIdentifier packetIdentifier = 1

// advance returns the identifier following p. 65535 wraps to 1, never to 0.
// No check is made against identifiers still awaiting acknowledgement.
func (p packetIdentifier) advance() packetIdentifier {
	next := p + 1
	if next == 0 { // 溢出处理
		next = 1
	}
	return next
}
