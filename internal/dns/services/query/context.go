package query

import (
	"net/netip"

	"github.com/vcunat/knot-dns/internal/dns/domain"
	"github.com/vcunat/knot-dns/internal/dns/gateways/wire"
	"github.com/vcunat/knot-dns/internal/dns/repos/msgcache"
	"github.com/vcunat/knot-dns/internal/dns/repos/zonedb"
)

// axfrChunkRecords bounds the record count of one transfer message.
const axfrChunkRecords = 256

// Context is the per-exchange scratch state. It is reusable across exchanges
// on the same connection via Reset and must not be shared between goroutines.
type Context struct {
	p    *Processor
	kind Kind
	peer netip.Addr

	// db is the database snapshot this exchange operates against, captured
	// on the first StepIn and never re-read mid-exchange.
	db *zonedb.DB

	req     *domain.Message
	pending []*domain.Message

	// axfr streaming state: remaining records and the trailing SOA.
	axfrStream []domain.ResourceRecord
	axfrSOA    *domain.ResourceRecord
	axfrFirst  bool

	errored  bool // one error answer already produced
	fatal    bool
	finished bool
}

// StepIn feeds one inbound wire message and classifies it.
func (c *Context) StepIn(data []byte) (InState, error) {
	if c.finished {
		return Failed, ErrFinished
	}
	if c.fatal {
		return Failed, ErrExchangeFailed
	}
	if c.db == nil {
		c.db = c.p.handle.Current()
	}

	msg, err := c.p.codec.Decode(data)
	if err != nil {
		id, ok := wire.MessageID(data)
		if !ok {
			// Too short to even answer; drop the exchange silently.
			c.fatal = true
			return Failed, nil
		}
		return c.fail(&domain.Message{ID: id}, domain.RCodeFormErr)
	}
	if msg.Response {
		// Responses are routed to the transfer client before reaching a
		// query context; one arriving here is a protocol violation.
		return c.fail(msg, domain.RCodeFormErr)
	}
	c.req = msg

	switch msg.Opcode {
	case domain.OpcodeQuery:
		return c.classifyQuery(msg)
	case domain.OpcodeNotify:
		return c.classifyNotify(msg)
	default:
		return c.fail(msg, domain.RCodeNotImp)
	}
}

func (c *Context) classifyQuery(msg *domain.Message) (InState, error) {
	if len(msg.Questions) == 0 {
		return c.fail(msg, domain.RCodeFormErr)
	}
	q := msg.Question()

	if q.Class == domain.ClassCH {
		return c.classifyChaos(msg, q)
	}

	switch q.Type {
	case domain.TypeAXFR:
		return c.classifyTransfer(msg, q, false)
	case domain.TypeIXFR:
		return c.classifyTransfer(msg, q, true)
	}

	zone, err := c.db.Find(q.Name)
	if err != nil {
		return c.fail(msg, domain.RCodeRefused)
	}
	if zone.Xfr.IsExpired() {
		return c.fail(msg, domain.RCodeServFail)
	}

	if c.p.cache != nil {
		if cached, ok := c.p.cache.Get(q); ok {
			c.queueAnswer(msg, cached.RCode, cached.Records, nil)
			return FullAnswer, nil
		}
	}

	records, err := zone.Lookup(q)
	if err != nil {
		// Name or type absent under an existing zone: NOERROR with an
		// empty answer and the zone SOA in authority.
		var authority []domain.ResourceRecord
		if soa, ok := zone.SOARecord(); ok {
			authority = append(authority, soa)
		}
		c.queueAnswer(msg, domain.RCodeNoError, nil, authority)
		return FullAnswer, nil
	}
	if c.p.cache != nil {
		c.p.cache.Put(q, msgcache.Answer{Records: records, RCode: domain.RCodeNoError})
	}
	c.queueAnswer(msg, domain.RCodeNoError, records, nil)
	return FullAnswer, nil
}

// classifyChaos answers the CH TXT id.server / version.server conventions.
func (c *Context) classifyChaos(msg *domain.Message, q domain.Question) (InState, error) {
	if q.Type != domain.TypeTXT {
		return c.fail(msg, domain.RCodeRefused)
	}
	var text string
	switch domain.CanonicalName(q.Name) {
	case "id.server.", "hostname.bind.":
		text = c.p.identity
	case "version.server.", "version.bind.":
		text = c.p.version
	default:
		return c.fail(msg, domain.RCodeRefused)
	}
	rr := domain.ResourceRecord{
		Name:  q.Name,
		Type:  domain.TypeTXT,
		Class: domain.ClassCH,
		TTL:   0,
		Data:  txtData(text),
	}
	c.queueAnswer(msg, domain.RCodeNoError, []domain.ResourceRecord{rr}, nil)
	return FullAnswer, nil
}

func (c *Context) classifyTransfer(msg *domain.Message, q domain.Question, incremental bool) (InState, error) {
	// A malformed IXFR (no SOA in the authority section) is FORMERR before
	// any permission check.
	if incremental && !msg.HasSOAInAuthority() {
		return c.fail(msg, domain.RCodeFormErr)
	}
	zone, err := c.db.Find(q.Name)
	if err != nil {
		return c.fail(msg, domain.RCodeRefused)
	}
	if !zone.ACL().XfrOut.Permits(c.peer) {
		c.p.logger.Warn(map[string]any{
			"zone": zone.Apex,
			"peer": c.peer.String(),
		}, "transfer refused by acl")
		return c.fail(msg, domain.RCodeNotAuth)
	}
	if zone.Xfr.IsExpired() {
		return c.fail(msg, domain.RCodeServFail)
	}

	// IXFR is answered with the full zone; incremental diffs are not kept.
	all := zone.AllRecords()
	soa, ok := zone.SOARecord()
	if !ok {
		return c.fail(msg, domain.RCodeServFail)
	}
	c.axfrStream = all
	c.axfrSOA = &soa
	c.axfrFirst = true
	return FullAnswer, nil
}

func (c *Context) classifyNotify(msg *domain.Message) (InState, error) {
	if len(msg.Questions) == 0 {
		return c.fail(msg, domain.RCodeFormErr)
	}
	q := msg.Question()
	zone, err := c.db.Find(q.Name)
	if err != nil || zone.Apex != domain.CanonicalName(q.Name) {
		return c.fail(msg, domain.RCodeNotAuth)
	}
	if !zone.ACL().NotifyIn.Permits(c.peer) {
		c.p.logger.Warn(map[string]any{
			"zone": zone.Apex,
			"peer": c.peer.String(),
		}, "notify refused by acl")
		return c.fail(msg, domain.RCodeNotAuth)
	}
	if c.p.notifier != nil {
		c.p.notifier.ZoneNotified(zone.Apex, c.peer)
	}
	c.queueAnswer(msg, domain.RCodeNoError, nil, nil)
	return FullAnswer, nil
}

// StepOut serializes the next pending response message into buf.
func (c *Context) StepOut(buf []byte) (int, OutState, error) {
	if c.finished {
		return 0, OutFailed, ErrFinished
	}
	if c.fatal {
		return 0, OutFailed, ErrExchangeFailed
	}

	if c.axfrSOA != nil {
		return c.stepOutTransfer(buf)
	}

	if len(c.pending) == 0 {
		return 0, OutFailed, ErrNoAnswer
	}
	msg := c.pending[0]
	n, err := c.p.codec.Encode(msg, buf)
	if err != nil {
		return c.failOut(msg.ID, err)
	}
	c.pending = c.pending[1:]
	if len(c.pending) > 0 {
		return n, ProducedMore, nil
	}
	return n, Finished, nil
}

// stepOutTransfer emits the next chunk of a zone transfer: leading SOA and
// records in load order, finishing with the trailing SOA.
func (c *Context) stepOutTransfer(buf []byte) (int, OutState, error) {
	chunk := c.axfrStream
	if len(chunk) > axfrChunkRecords {
		chunk = chunk[:axfrChunkRecords]
	}
	c.axfrStream = c.axfrStream[len(chunk):]

	last := len(c.axfrStream) == 0
	answers := chunk
	if last {
		answers = append(append([]domain.ResourceRecord(nil), chunk...), *c.axfrSOA)
	}

	resp := c.response(c.req, domain.RCodeNoError)
	resp.Authoritative = true
	if c.axfrFirst {
		resp.Questions = c.req.Questions
		c.axfrFirst = false
	} else {
		resp.Questions = nil
	}
	resp.Answers = answers

	n, err := c.p.codec.Encode(resp, buf)
	if err != nil {
		return c.failOut(resp.ID, err)
	}
	if last {
		c.axfrSOA = nil
		return n, Finished, nil
	}
	return n, ProducedMore, nil
}

// failOut handles an encode failure: the first one downgrades to a pending
// generic error answer, a second one kills the exchange.
func (c *Context) failOut(id uint16, cause error) (int, OutState, error) {
	if c.errored {
		c.fatal = true
		return 0, OutFailed, ErrExchangeFailed
	}
	c.p.logger.Error(map[string]any{"error": cause.Error()}, "failed to encode answer")
	c.errored = true
	c.axfrSOA = nil
	c.axfrStream = nil
	generic := &domain.Message{ID: id, Response: true, RCode: domain.RCodeServFail}
	if c.req != nil {
		generic.Opcode = c.req.Opcode
	}
	c.pending = []*domain.Message{generic}
	return 0, OutFailed, nil
}

// Reset clears per-exchange state so the context can serve the next exchange
// on the same connection.
func (c *Context) Reset() error {
	if c.finished {
		return ErrFinished
	}
	c.db = nil
	c.req = nil
	c.pending = c.pending[:0]
	c.axfrStream = nil
	c.axfrSOA = nil
	c.axfrFirst = false
	c.errored = false
	c.fatal = false
	return nil
}

// Finish releases the context; all later calls fail with ErrFinished.
func (c *Context) Finish() {
	c.finished = true
	c.pending = nil
	c.axfrStream = nil
	c.axfrSOA = nil
	c.req = nil
	c.db = nil
}

// fail queues an error answer for the request. The first failure of an
// exchange is answerable; the second is fatal.
func (c *Context) fail(req *domain.Message, rcode domain.RCode) (InState, error) {
	if c.errored {
		c.fatal = true
		c.pending = nil
		return Failed, ErrExchangeFailed
	}
	c.errored = true
	resp := c.response(req, rcode)
	if len(req.Questions) > 0 {
		resp.Questions = req.Questions
	}
	c.pending = []*domain.Message{resp}
	return Failed, nil
}

// queueAnswer queues a NOERROR-class answer echoing the request.
func (c *Context) queueAnswer(req *domain.Message, rcode domain.RCode, answers, authority []domain.ResourceRecord) {
	resp := c.response(req, rcode)
	resp.Authoritative = true
	resp.Questions = req.Questions
	resp.Answers = answers
	resp.Authority = authority
	c.pending = append(c.pending, resp)
}

// response builds the answer envelope: the request id verbatim, QR set, and
// the OPT record echoed with the server's own payload size when the request
// carried one.
func (c *Context) response(req *domain.Message, rcode domain.RCode) *domain.Message {
	resp := &domain.Message{
		ID:               req.ID,
		Opcode:           req.Opcode,
		Response:         true,
		RecursionDesired: req.RecursionDesired,
		RCode:            rcode,
	}
	if req.OPT != nil {
		opt := &domain.EDNS{
			PayloadSize: c.p.payloadSize,
			ExtRCode:    0,
			Version:     domain.EDNSVersion,
			DO:          req.OPT.DO,
		}
		if req.OPT.HasOption(domain.EDNSOptionNSID) && c.p.identity != "" {
			opt.Options = append(opt.Options, domain.EDNSOption{
				Code: domain.EDNSOptionNSID,
				Data: []byte(c.p.identity),
			})
		}
		resp.OPT = opt
	}
	return resp
}

// txtData encodes a single TXT character-string.
func txtData(s string) []byte {
	if len(s) > 255 {
		s = s[:255]
	}
	out := make([]byte, 0, len(s)+1)
	out = append(out, byte(len(s)))
	return append(out, s...)
}
