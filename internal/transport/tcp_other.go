//go:build !unix

package transport

import "time"

// 非 unix 平台没有原始描述符读写，用极短的截止时间近似非阻塞
const pollWindow = time.Millisecond

func (s *tcpSocket) readNonBlocking(buffer []byte) (int, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(pollWindow))
	n, err := s.conn.Read(buffer)
	return translate(n, err)
}

func (s *tcpSocket) writeNonBlocking(data []byte) (int, error) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(pollWindow))
	n, err := s.conn.Write(data)
	return translate(n, err)
}
