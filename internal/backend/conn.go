package backend

import (
	"bufio"
	"net"
)

// bufferedConn wraps a net.Conn whose reads must drain a bufio.Reader first,
// such as a connection handed back after an HTTP/1.1 upgrade where the
// response reader may have buffered early stream bytes.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

// NewBufferedConn returns a net.Conn that reads through reader and writes to
// conn directly.
func NewBufferedConn(conn net.Conn, reader *bufio.Reader) net.Conn {
	return &bufferedConn{Conn: conn, reader: reader}
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}
