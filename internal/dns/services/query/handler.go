package query

import (
	"context"
	"net/netip"

	"github.com/vcunat/knot-dns/internal/dns/common/log"
	"github.com/vcunat/knot-dns/internal/dns/domain"
	"github.com/vcunat/knot-dns/internal/dns/gateways/transport"
	"github.com/vcunat/knot-dns/internal/dns/gateways/wire"
)

// ResponseSink consumes inbound messages with QR set, i.e. answers to probes
// this server sent out.
type ResponseSink interface {
	HandleResponse(peer netip.AddrPort, msg *domain.Message)
}

// Handler is the datagram entry point: it splits responses from requests and
// drives a full exchange for each request.
type Handler struct {
	proc   *Processor
	codec  wire.Codec
	sink   ResponseSink // may be nil
	logger log.Logger
}

// NewHandler wires the entry point.
func NewHandler(proc *Processor, codec wire.Codec, sink ResponseSink, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Handler{proc: proc, codec: codec, sink: sink, logger: logger}
}

// HandlePacket implements transport.Handler.
func (h *Handler) HandlePacket(ctx context.Context, peer netip.AddrPort, data []byte, w transport.ResponseWriter) {
	if len(data) > 2 && data[2]&0x80 != 0 {
		h.handleResponse(peer, data)
		return
	}
	h.handleRequest(ctx, peer, data, w)
}

func (h *Handler) handleResponse(peer netip.AddrPort, data []byte) {
	if h.sink == nil {
		return
	}
	msg, err := h.codec.Decode(data)
	if err != nil {
		h.logger.Debug(map[string]any{
			"peer":  peer.String(),
			"error": err.Error(),
		}, "dropping undecodable response")
		return
	}
	h.sink.HandleResponse(peer, msg)
}

// handleRequest drives one exchange to completion. A failed production step
// is retried once; the retry yields the generic error answer, a second
// failure abandons the exchange.
func (h *Handler) handleRequest(ctx context.Context, peer netip.AddrPort, data []byte, w transport.ResponseWriter) {
	qc := h.proc.Begin(KindQuery, peer.Addr())
	defer qc.Finish()

	state, err := qc.StepIn(data)
	if err != nil {
		h.logger.Debug(map[string]any{
			"peer":  peer.String(),
			"error": err.Error(),
		}, "exchange aborted")
		return
	}
	if state == NeedMore {
		// Datagram transport carries one message per exchange.
		return
	}

	buf := make([]byte, wire.MaxPacketSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, out, err := qc.StepOut(buf)
		if out == OutFailed {
			if err != nil {
				return
			}
			// One generic error answer is pending; produce it.
			n, out, err = qc.StepOut(buf)
			if err != nil || out == OutFailed {
				return
			}
		}
		if _, werr := w.Write(buf[:n]); werr != nil {
			h.logger.Warn(map[string]any{
				"peer":  peer.String(),
				"error": werr.Error(),
			}, "failed to send answer")
			return
		}
		if out == Finished {
			return
		}
	}
}
