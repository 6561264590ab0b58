// Package transport moves raw DNS datagrams. The core is agnostic to what
// backs it; this implementation uses ordinary UDP sockets.
package transport

import (
	"context"
	"net/netip"
)

// ResponseWriter sends datagrams back to the peer of the packet being handled.
// One handled packet may produce several writes (multi-message answers).
type ResponseWriter interface {
	Write(data []byte) (int, error)
}

// Handler consumes one inbound datagram. Implementations decide whether the
// packet is a request or a response to an outstanding probe.
type Handler interface {
	HandlePacket(ctx context.Context, peer netip.AddrPort, data []byte, w ResponseWriter)
}

// Sender transmits a single datagram to a peer, at most MTU sized per call.
type Sender interface {
	Send(peer netip.AddrPort, data []byte) (int, error)
}
