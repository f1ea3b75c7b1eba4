// Package transport provides the pluggable byte-stream channel carrying the
// control protocol. The unix-domain-socket implementation is the only one
// today; the interfaces are the seam for an HTTP transport later.
package transport

import (
	"io"
	"net"
)

// Conn is a single bidirectional control connection
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

// Listener accepts control connections until closed
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// Transport binds a listener on the daemon side and dials it from clients
type Transport interface {
	Listen() (Listener, error)
	Dial() (Conn, error)
}

// netListener adapts a net.Listener to the transport contract
type netListener struct {
	inner net.Listener
	addr  string
}

func (l *netListener) Accept() (Conn, error) {
	return l.inner.Accept()
}

func (l *netListener) Close() error {
	return l.inner.Close()
}

func (l *netListener) Addr() string {
	return l.addr
}
