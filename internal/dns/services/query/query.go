// Package query implements the request-handling state machine: one logical
// exchange is driven through Begin, one or more StepIn/StepOut calls, and
// Reset or Finish. The split into explicit steps lets the caller cross socket
// I/O between them without any captured call stack.
package query

import (
	"errors"
	"net/netip"

	"github.com/vcunat/knot-dns/internal/dns/common/log"
	"github.com/vcunat/knot-dns/internal/dns/gateways/wire"
	"github.com/vcunat/knot-dns/internal/dns/repos/msgcache"
	"github.com/vcunat/knot-dns/internal/dns/repos/zonedb"
)

// Kind selects the exchange type at Begin.
type Kind int

const (
	KindQuery Kind = iota
	KindTransfer
	KindUpdate
)

// InState is the outcome of StepIn.
type InState int

const (
	// NeedMore means another inbound message is required to continue.
	NeedMore InState = iota
	// FullAnswer means a complete answer is ready for StepOut.
	FullAnswer
	// Failed means an error answer is ready; at most one generic error is
	// emitted per exchange before further failures become fatal.
	Failed
)

// OutState is the outcome of StepOut.
type OutState int

const (
	// ProducedMore means a message was written and more are pending.
	ProducedMore OutState = iota
	// Finished means the exchange is complete.
	Finished
	// OutFailed means production failed; one retry may yield a generic
	// error answer, after which the exchange is dead.
	OutFailed
)

var (
	// ErrFinished is returned by any step on a context after Finish.
	ErrFinished = errors.New("context already finished")
	// ErrExchangeFailed marks an exchange past its one permitted error
	// answer; the caller must abandon it.
	ErrExchangeFailed = errors.New("exchange failed fatally")
	// ErrNoAnswer is returned by StepOut when nothing is pending.
	ErrNoAnswer = errors.New("no answer pending")
)

// Notifier is poked when a permitted NOTIFY arrives for a zone, so the
// transfer client can poll the master immediately.
type Notifier interface {
	ZoneNotified(apex string, peer netip.Addr)
}

// Processor holds the collaborators shared by all query contexts.
type Processor struct {
	codec    wire.Codec
	handle   *zonedb.Handle
	cache    *msgcache.Cache // may be nil
	notifier Notifier        // may be nil
	logger   log.Logger

	// identity and version answer CH TXT id.server / version.server.
	identity string
	version  string
	// payloadSize is advertised in every OPT answer.
	payloadSize uint16
}

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	Codec       wire.Codec
	Handle      *zonedb.Handle
	Cache       *msgcache.Cache
	Notifier    Notifier
	Logger      log.Logger
	Identity    string
	Version     string
	PayloadSize uint16
}

// NewProcessor wires a Processor.
func NewProcessor(opts ProcessorOptions) *Processor {
	p := &Processor{
		codec:       opts.Codec,
		handle:      opts.Handle,
		cache:       opts.Cache,
		notifier:    opts.Notifier,
		logger:      opts.Logger,
		identity:    opts.Identity,
		version:     opts.Version,
		payloadSize: opts.PayloadSize,
	}
	if p.logger == nil {
		p.logger = log.NewNoopLogger()
	}
	if p.payloadSize == 0 {
		p.payloadSize = 4096
	}
	return p
}

// Begin creates a context for a new exchange with the given peer.
func (p *Processor) Begin(kind Kind, peer netip.Addr) *Context {
	return &Context{
		p:    p,
		kind: kind,
		peer: peer,
	}
}
