package transport

import (
	"fmt"
	"net/netip"
)

// Group fans outbound sends across several transports, picking the first one
// whose address family matches the peer. Transfer probes use this so an IPv6
// master is reached from an IPv6 socket.
type Group struct {
	members []*UDPTransport
}

func NewGroup(members ...*UDPTransport) *Group {
	return &Group{members: members}
}

func (g *Group) Send(peer netip.AddrPort, data []byte) (int, error) {
	want4 := peer.Addr().Unmap().Is4()
	for _, m := range g.members {
		if m.Is4() == want4 {
			return m.Send(peer, data)
		}
	}
	return 0, fmt.Errorf("no transport for address family of %s", peer)
}

var _ Sender = (*Group)(nil)
