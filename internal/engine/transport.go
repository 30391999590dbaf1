package engine

import "net"

// Transport is the sending half of the engine's socket, abstracted so
// tests can inject a recording stub instead of a live UDP connection.
type Transport interface {
	WriteTo(payload []byte, addr *net.UDPAddr) error
}

type udpTransport struct {
	conn *net.UDPConn
}

func (u udpTransport) WriteTo(payload []byte, addr *net.UDPAddr) error {
	_, err := u.conn.WriteToUDP(payload, addr)
	return err
}
