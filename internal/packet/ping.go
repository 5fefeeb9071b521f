package packet

func NewPingReqPacket() []byte {
	return []byte{0xC0, 0x00}
}
