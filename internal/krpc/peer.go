package krpc

import (
	"fmt"
	"net"
)

// PeerAddr is a compact peer contact as found in a get_peers "values" list.
type PeerAddr struct {
	IP   net.IP
	Port int
}

func (p PeerAddr) String() string { return fmt.Sprintf("%s:%d", p.IP, p.Port) }
