package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/vcunat/knot-dns/internal/dns/common/log"
)

// maxDatagram bounds inbound reads; EDNS advertises up to 4096 but remotes
// may send more.
const maxDatagram = 65535

// UDPTransport serves DNS datagrams on one UDP socket. It handles socket
// lifecycle and delivery, leaving all DNS semantics to the Handler.
type UDPTransport struct {
	addr   string
	conn   *net.UDPConn
	logger log.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// NewUDPTransport creates a transport bound later to addr (host:port).
func NewUDPTransport(addr string, logger log.Logger) *UDPTransport {
	return &UDPTransport{
		addr:   addr,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start binds the socket and begins the receive loop.
func (t *UDPTransport) Start(ctx context.Context, handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("udp transport already running")
	}
	udpAddr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", t.addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", t.addr, err)
	}
	t.conn = conn
	t.running = true

	t.logger.Info(map[string]any{
		"transport": "udp",
		"address":   conn.LocalAddr().String(),
	}, "transport started")

	go t.receiveLoop(ctx, handler)
	return nil
}

// Stop closes the socket and ends the receive loop.
func (t *UDPTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	close(t.stopCh)
	var closeErr error
	if t.conn != nil {
		closeErr = t.conn.Close()
	}
	t.running = false
	t.logger.Info(map[string]any{
		"transport": "udp",
		"address":   t.addr,
	}, "transport stopped")
	return closeErr
}

// Send transmits one datagram from this transport's socket.
func (t *UDPTransport) Send(peer netip.AddrPort, data []byte) (int, error) {
	t.mu.RLock()
	conn := t.conn
	running := t.running
	t.mu.RUnlock()
	if !running || conn == nil {
		return 0, fmt.Errorf("udp transport not running")
	}
	return conn.WriteToUDPAddrPort(data, peer)
}

// Is4 reports whether the transport is bound to an IPv4 address.
func (t *UDPTransport) Is4() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return false
	}
	ap := t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return ap.Addr().Unmap().Is4()
}

// Address returns the configured bind address.
func (t *UDPTransport) Address() string { return t.addr }

func (t *UDPTransport) receiveLoop(ctx context.Context, handler Handler) {
	buffer := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		default:
		}

		n, peer, err := t.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			t.mu.RLock()
			running := t.running
			t.mu.RUnlock()
			if !running {
				return
			}
			t.logger.Warn(map[string]any{"error": err.Error()}, "failed to read datagram")
			continue
		}
		packet := make([]byte, n)
		copy(packet, buffer[:n])
		go handler.HandlePacket(ctx, peer, packet, &peerWriter{t: t, peer: peer})
	}
}

// peerWriter binds a ResponseWriter to the source of one packet.
type peerWriter struct {
	t    *UDPTransport
	peer netip.AddrPort
}

func (w *peerWriter) Write(data []byte) (int, error) {
	return w.t.Send(w.peer, data)
}

var _ Sender = (*UDPTransport)(nil)
