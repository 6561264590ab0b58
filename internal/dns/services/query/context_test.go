package query

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vcunat/knot-dns/internal/dns/acl"
	"github.com/vcunat/knot-dns/internal/dns/domain"
	"github.com/vcunat/knot-dns/internal/dns/gateways/wire"
	"github.com/vcunat/knot-dns/internal/dns/repos/msgcache"
	"github.com/vcunat/knot-dns/internal/dns/repos/zonedb"
)

// Root SOA query carrying an OPT record, the shape resolvers probe with.
var rootSOAQuery = []byte{
	0xac, 0x77, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x01,
	0x00, 0x00, 0x06, 0x00, 0x01,
	0x00, 0x00, 0x29, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// Offset of the question type for the root name.
const rootQTypePos = wire.HeaderSize + 1

var testPeer = netip.MustParseAddr("127.0.0.1")

func rootSOA() domain.SOA {
	return domain.SOA{
		MName: "ns.", RName: "mail.",
		Serial: 2011234915, Refresh: 86400, Retry: 7200, Expire: 691200, Minimum: 3600,
	}
}

func soaRData(soa domain.SOA) []byte {
	out := []byte{2, 'n', 's', 0, 4, 'm', 'a', 'i', 'l', 0}
	for _, v := range []uint32{soa.Serial, soa.Refresh, soa.Retry, soa.Expire, soa.Minimum} {
		out = append(out, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return out
}

func rootZone() *zonedb.Zone {
	soa := rootSOA()
	records := []domain.ResourceRecord{
		{Name: ".", Type: domain.TypeSOA, Class: domain.ClassIN, TTL: 7200, Data: soaRData(soa)},
	}
	return zonedb.NewZone(".", soa, timeZero(), records)
}

func newTestProcessor(t *testing.T, zones ...*zonedb.Zone) *Processor {
	t.Helper()
	db := zonedb.NewDB()
	for _, z := range zones {
		db.Insert(z)
	}
	handle := zonedb.NewHandle()
	handle.Publish(db)
	return NewProcessor(ProcessorOptions{
		Codec:    wire.NewCodec(nil),
		Handle:   handle,
		Identity: "bogus.ns",
		Version:  "0.11",
	})
}

// exchange drives one request through a context the way the datagram handler
// does, allowing one generic error answer.
func exchange(t *testing.T, qc *Context, req []byte) (*domain.Message, InState) {
	t.Helper()
	in, err := qc.StepIn(req)
	require.NoError(t, err)
	require.Contains(t, []InState{FullAnswer, Failed}, in)

	buf := make([]byte, wire.MaxPacketSize)
	n, out, err := qc.StepOut(buf)
	if out == OutFailed {
		require.NoError(t, err)
		n, out, err = qc.StepOut(buf)
	}
	require.NoError(t, err)
	require.Equal(t, Finished, out)

	resp, err := wire.NewCodec(nil).Decode(buf[:n])
	require.NoError(t, err)
	return resp, in
}

func forge(req []byte, mutate func([]byte)) []byte {
	out := append([]byte(nil), req...)
	mutate(out)
	return out
}

// The classic exchange sequence, one context reused through Reset.
func TestExchangeSequence(t *testing.T) {
	p := newTestProcessor(t, rootZone())
	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	// Root SOA query answers authoritatively.
	resp, in := exchange(t, qc, rootSOAQuery)
	assert.Equal(t, FullAnswer, in)
	assert.True(t, resp.Response)
	assert.True(t, resp.Authoritative)
	assert.Equal(t, uint16(0xac77), resp.ID)
	assert.Equal(t, domain.RCodeNoError, resp.RCode)
	require.Len(t, resp.Answers, 1)
	assert.Equal(t, domain.TypeSOA, resp.Answers[0].Type)
	require.NotNil(t, resp.OPT, "OPT is echoed")
	assert.Equal(t, uint16(4096), resp.OPT.PayloadSize)

	// CH TXT id.server answers the configured identity.
	require.NoError(t, qc.Reset())
	chQuery, err := wire.Marshal(p.codec, &domain.Message{
		ID: 0xa0a2,
		Questions: []domain.Question{
			{Name: "id.server.", Type: domain.TypeTXT, Class: domain.ClassCH},
		},
	})
	require.NoError(t, err)
	resp, in = exchange(t, qc, chQuery)
	assert.Equal(t, FullAnswer, in)
	assert.Equal(t, domain.RCodeNoError, resp.RCode)
	require.Len(t, resp.Answers, 1)
	assert.Equal(t, append([]byte{8}, []byte("bogus.ns")...), resp.Answers[0].Data)

	// Truncating the OPT record makes the message undecodable: FORMERR with
	// the original id.
	require.NoError(t, qc.Reset())
	resp, in = exchange(t, qc, rootSOAQuery[:len(rootSOAQuery)-1])
	assert.Equal(t, Failed, in)
	assert.Equal(t, domain.RCodeFormErr, resp.RCode)
	assert.Equal(t, uint16(0xac77), resp.ID)

	// NOTIFY against the default deny ACL.
	require.NoError(t, qc.Reset())
	notify := forge(rootSOAQuery, func(b []byte) {
		b[2] = b[2]&0x87 | byte(domain.OpcodeNotify)<<3
	})
	resp, in = exchange(t, qc, notify)
	assert.Equal(t, Failed, in)
	assert.Equal(t, domain.RCodeNotAuth, resp.RCode)

	// AXFR against the default deny ACL.
	require.NoError(t, qc.Reset())
	axfr := forge(rootSOAQuery, func(b []byte) {
		b[rootQTypePos] = byte(domain.TypeAXFR >> 8)
		b[rootQTypePos+1] = byte(domain.TypeAXFR & 0xFF)
	})
	resp, in = exchange(t, qc, axfr)
	assert.Equal(t, Failed, in)
	assert.Equal(t, domain.RCodeNotAuth, resp.RCode)

	// IXFR without a SOA in the authority section is malformed; the shape
	// check beats the permission check.
	require.NoError(t, qc.Reset())
	ixfr := forge(rootSOAQuery, func(b []byte) {
		b[rootQTypePos] = byte(domain.TypeIXFR >> 8)
		b[rootQTypePos+1] = byte(domain.TypeIXFR & 0xFF)
	})
	resp, in = exchange(t, qc, ixfr)
	assert.Equal(t, Failed, in)
	assert.Equal(t, domain.RCodeFormErr, resp.RCode)
}

func TestFinishInvalidatesContext(t *testing.T) {
	p := newTestProcessor(t, rootZone())
	qc := p.Begin(KindQuery, testPeer)
	qc.Finish()

	_, err := qc.StepIn(rootSOAQuery)
	assert.ErrorIs(t, err, ErrFinished)
	_, _, err = qc.StepOut(make([]byte, 512))
	assert.ErrorIs(t, err, ErrFinished)
	assert.ErrorIs(t, qc.Reset(), ErrFinished)
}

func TestUnknownZoneRefused(t *testing.T) {
	p := newTestProcessor(t, exampleZone())
	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	req, err := wire.Marshal(p.codec, &domain.Message{
		ID: 7,
		Questions: []domain.Question{
			{Name: "www.example.org.", Type: domain.TypeA, Class: domain.ClassIN},
		},
	})
	require.NoError(t, err)
	resp, in := exchange(t, qc, req)
	assert.Equal(t, Failed, in)
	assert.Equal(t, domain.RCodeRefused, resp.RCode)
}

func TestMissingRecordAnswersSOA(t *testing.T) {
	p := newTestProcessor(t, exampleZone())
	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	req, err := wire.Marshal(p.codec, &domain.Message{
		ID: 7,
		Questions: []domain.Question{
			{Name: "missing.example.com.", Type: domain.TypeA, Class: domain.ClassIN},
		},
	})
	require.NoError(t, err)
	resp, in := exchange(t, qc, req)
	assert.Equal(t, FullAnswer, in)
	assert.Equal(t, domain.RCodeNoError, resp.RCode)
	assert.Empty(t, resp.Answers)
	require.Len(t, resp.Authority, 1)
	assert.Equal(t, domain.TypeSOA, resp.Authority[0].Type)
}

func TestExpiredZoneServfail(t *testing.T) {
	z := exampleZone()
	z.Xfr.Locked(func(x *zonedb.XfrState) { x.MarkExpired() })
	p := newTestProcessor(t, z)
	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	req, err := wire.Marshal(p.codec, &domain.Message{
		ID: 7,
		Questions: []domain.Question{
			{Name: "www.example.com.", Type: domain.TypeA, Class: domain.ClassIN},
		},
	})
	require.NoError(t, err)
	resp, in := exchange(t, qc, req)
	assert.Equal(t, Failed, in)
	assert.Equal(t, domain.RCodeServFail, resp.RCode)
}

func TestUpdateNotImplemented(t *testing.T) {
	p := newTestProcessor(t, rootZone())
	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	req := forge(rootSOAQuery, func(b []byte) {
		b[2] = b[2]&0x87 | byte(domain.OpcodeUpdate)<<3
	})
	resp, in := exchange(t, qc, req)
	assert.Equal(t, Failed, in)
	assert.Equal(t, domain.RCodeNotImp, resp.RCode)
}

func TestResponseInQueryContextRejected(t *testing.T) {
	p := newTestProcessor(t, rootZone())
	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	req := forge(rootSOAQuery, func(b []byte) { b[2] |= 0x80 })
	resp, in := exchange(t, qc, req)
	assert.Equal(t, Failed, in)
	assert.Equal(t, domain.RCodeFormErr, resp.RCode)
}

func TestRuntQueryDropped(t *testing.T) {
	p := newTestProcessor(t, rootZone())
	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	in, err := qc.StepIn([]byte{0xac})
	require.NoError(t, err)
	assert.Equal(t, Failed, in)

	// Nothing to answer with, the exchange is dead.
	_, out, err := qc.StepOut(make([]byte, 512))
	assert.Equal(t, OutFailed, out)
	assert.ErrorIs(t, err, ErrExchangeFailed)
}

func TestSecondErrorKillsExchange(t *testing.T) {
	p := newTestProcessor(t, rootZone())
	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	// First bad input leaves a FORMERR answer pending.
	in, err := qc.StepIn(rootSOAQuery[:len(rootSOAQuery)-1])
	require.NoError(t, err)
	require.Equal(t, Failed, in)

	// A second bad input in the same exchange is past the one permitted
	// error; the context is dead.
	in, err = qc.StepIn(rootSOAQuery[:len(rootSOAQuery)-1])
	assert.Equal(t, Failed, in)
	assert.ErrorIs(t, err, ErrExchangeFailed)

	_, out, err := qc.StepOut(make([]byte, 512))
	assert.Equal(t, OutFailed, out)
	assert.ErrorIs(t, err, ErrExchangeFailed)

	// Reset clears the error state for the next exchange.
	require.NoError(t, qc.Reset())
	resp, in := exchange(t, qc, rootSOAQuery)
	assert.Equal(t, FullAnswer, in)
	assert.Equal(t, domain.RCodeNoError, resp.RCode)
}

func TestEncodeFailureDowngradesToServfail(t *testing.T) {
	p := newTestProcessor(t, rootZone())
	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	in, err := qc.StepIn(rootSOAQuery)
	require.NoError(t, err)
	require.Equal(t, FullAnswer, in)

	// A buffer too small for the answer: the first production failure leaves
	// a generic error pending instead of killing the exchange.
	_, out, err := qc.StepOut(make([]byte, 4))
	require.Equal(t, OutFailed, out)
	require.NoError(t, err)

	buf := make([]byte, wire.MaxPacketSize)
	n, out, err := qc.StepOut(buf)
	require.NoError(t, err)
	assert.Equal(t, Finished, out)

	resp, err := p.codec.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, domain.RCodeServFail, resp.RCode)
	assert.Equal(t, uint16(0xac77), resp.ID)
}

func TestSecondEncodeFailureKillsExchange(t *testing.T) {
	p := newTestProcessor(t, rootZone())
	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	in, err := qc.StepIn(rootSOAQuery)
	require.NoError(t, err)
	require.Equal(t, FullAnswer, in)

	tiny := make([]byte, 4)
	_, out, err := qc.StepOut(tiny)
	require.Equal(t, OutFailed, out)
	require.NoError(t, err)

	// The generic error does not fit either; the exchange is dead.
	_, out, err = qc.StepOut(tiny)
	assert.Equal(t, OutFailed, out)
	assert.ErrorIs(t, err, ErrExchangeFailed)
}

type recordingNotifier struct {
	apexes []string
	peers  []netip.Addr
}

func (n *recordingNotifier) ZoneNotified(apex string, peer netip.Addr) {
	n.apexes = append(n.apexes, apex)
	n.peers = append(n.peers, peer)
}

func TestNotifyPermitted(t *testing.T) {
	z := exampleZone()
	permit, err := acl.Parse([]string{"127.0.0.1"})
	require.NoError(t, err)
	z.SetACL(&zonedb.ACLSet{NotifyIn: permit})

	notifier := &recordingNotifier{}
	p := newTestProcessor(t, z)
	p.notifier = notifier

	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	req, err := wire.Marshal(p.codec, &domain.Message{
		ID:     0x0102,
		Opcode: domain.OpcodeNotify,
		Questions: []domain.Question{
			{Name: "example.com.", Type: domain.TypeSOA, Class: domain.ClassIN},
		},
	})
	require.NoError(t, err)
	resp, in := exchange(t, qc, req)
	assert.Equal(t, FullAnswer, in)
	assert.Equal(t, domain.RCodeNoError, resp.RCode)
	assert.Equal(t, []string{"example.com."}, notifier.apexes)
	assert.Equal(t, []netip.Addr{testPeer}, notifier.peers)
}

func TestNotifyForNonApexNotAuth(t *testing.T) {
	p := newTestProcessor(t, exampleZone())
	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	req, err := wire.Marshal(p.codec, &domain.Message{
		ID:     3,
		Opcode: domain.OpcodeNotify,
		Questions: []domain.Question{
			{Name: "www.example.com.", Type: domain.TypeSOA, Class: domain.ClassIN},
		},
	})
	require.NoError(t, err)
	resp, in := exchange(t, qc, req)
	assert.Equal(t, Failed, in)
	assert.Equal(t, domain.RCodeNotAuth, resp.RCode)
}

func TestAXFRStreamsWholeZone(t *testing.T) {
	z := exampleZone()
	permit, err := acl.Parse([]string{"127.0.0.1"})
	require.NoError(t, err)
	z.SetACL(&zonedb.ACLSet{XfrOut: permit})

	p := newTestProcessor(t, z)
	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	req, err := wire.Marshal(p.codec, &domain.Message{
		ID: 0x0404,
		Questions: []domain.Question{
			{Name: "example.com.", Type: domain.TypeAXFR, Class: domain.ClassIN},
		},
	})
	require.NoError(t, err)

	in, err := qc.StepIn(req)
	require.NoError(t, err)
	require.Equal(t, FullAnswer, in)

	buf := make([]byte, wire.MaxPacketSize)
	var all []domain.ResourceRecord
	first := true
	for {
		n, out, err := qc.StepOut(buf)
		require.NoError(t, err)
		resp, derr := p.codec.Decode(buf[:n])
		require.NoError(t, derr)
		assert.Equal(t, domain.RCodeNoError, resp.RCode)
		if first {
			require.Len(t, resp.Questions, 1, "first message repeats the question")
			first = false
		}
		all = append(all, resp.Answers...)
		if out == Finished {
			break
		}
		require.Equal(t, ProducedMore, out)
	}

	want := len(z.AllRecords()) + 1
	require.Len(t, all, want, "every record plus the trailing SOA")
	assert.Equal(t, domain.TypeSOA, all[0].Type, "SOA leads")
	assert.Equal(t, domain.TypeSOA, all[len(all)-1].Type, "SOA closes")
}

func TestIXFRWithSOAAnswersFullZone(t *testing.T) {
	z := exampleZone()
	permit, err := acl.Parse([]string{"127.0.0.1"})
	require.NoError(t, err)
	z.SetACL(&zonedb.ACLSet{XfrOut: permit})

	p := newTestProcessor(t, z)
	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	soa, ok := z.SOARecord()
	require.True(t, ok)
	req, err := wire.Marshal(p.codec, &domain.Message{
		ID: 5,
		Questions: []domain.Question{
			{Name: "example.com.", Type: domain.TypeIXFR, Class: domain.ClassIN},
		},
		Authority: []domain.ResourceRecord{soa},
	})
	require.NoError(t, err)

	in, err := qc.StepIn(req)
	require.NoError(t, err)
	assert.Equal(t, FullAnswer, in, "well-formed IXFR from a permitted peer proceeds")
}

func TestNSIDEchoedWhenRequested(t *testing.T) {
	p := newTestProcessor(t, rootZone())
	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	req, err := wire.Marshal(p.codec, &domain.Message{
		ID: 11,
		Questions: []domain.Question{
			{Name: ".", Type: domain.TypeSOA, Class: domain.ClassIN},
		},
		OPT: &domain.EDNS{
			PayloadSize: 1232,
			Options:     []domain.EDNSOption{{Code: domain.EDNSOptionNSID}},
		},
	})
	require.NoError(t, err)
	resp, _ := exchange(t, qc, req)
	require.NotNil(t, resp.OPT)
	require.True(t, resp.OPT.HasOption(domain.EDNSOptionNSID))
	for _, o := range resp.OPT.Options {
		if o.Code == domain.EDNSOptionNSID {
			assert.Equal(t, []byte("bogus.ns"), o.Data)
		}
	}
}

func TestAnswerCachePopulated(t *testing.T) {
	cache, err := msgcache.New(8)
	require.NoError(t, err)
	p := newTestProcessor(t, exampleZone())
	p.cache = cache

	qc := p.Begin(KindQuery, testPeer)
	defer qc.Finish()

	req, merr := wire.Marshal(p.codec, &domain.Message{
		ID: 1,
		Questions: []domain.Question{
			{Name: "www.example.com.", Type: domain.TypeA, Class: domain.ClassIN},
		},
	})
	require.NoError(t, merr)
	resp, in := exchange(t, qc, req)
	require.Equal(t, FullAnswer, in)
	require.Len(t, resp.Answers, 2)
	assert.Equal(t, 1, cache.Len())

	// The cached answer serves the repeat query identically.
	require.NoError(t, qc.Reset())
	resp2, _ := exchange(t, qc, req)
	assert.Equal(t, resp.Answers, resp2.Answers)
}

func exampleZone() *zonedb.Zone {
	soa := domain.SOA{
		MName: "ns.example.com.", RName: "mail.example.com.",
		Serial: 2024082401, Refresh: 3600, Retry: 600, Expire: 86400, Minimum: 60,
	}
	records := []domain.ResourceRecord{
		{Name: "example.com.", Type: domain.TypeSOA, Class: domain.ClassIN, TTL: 60, Data: exampleSOAData(soa)},
		{Name: "example.com.", Type: domain.TypeNS, Class: domain.ClassIN, TTL: 60, Data: nameData("ns.example.com.")},
		{Name: "www.example.com.", Type: domain.TypeA, Class: domain.ClassIN, TTL: 60, Data: []byte{192, 0, 2, 1}},
		{Name: "www.example.com.", Type: domain.TypeA, Class: domain.ClassIN, TTL: 60, Data: []byte{192, 0, 2, 2}},
	}
	return zonedb.NewZone("example.com.", soa, timeZero(), records)
}

func exampleSOAData(soa domain.SOA) []byte {
	out := append(nameData(soa.MName), nameData(soa.RName)...)
	for _, v := range []uint32{soa.Serial, soa.Refresh, soa.Retry, soa.Expire, soa.Minimum} {
		out = append(out, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return out
}

func nameData(name string) []byte {
	var out []byte
	trimmed := domain.CanonicalName(name)
	if trimmed != "." {
		for _, label := range splitLabels(trimmed) {
			out = append(out, byte(len(label)))
			out = append(out, label...)
		}
	}
	return append(out, 0)
}

func timeZero() time.Time { return time.Time{} }

func splitLabels(name string) []string {
	var labels []string
	start := 0
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			if i > start {
				labels = append(labels, name[start:i])
			}
			start = i + 1
		}
	}
	return labels
}
