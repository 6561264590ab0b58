// Package zonedb holds the authoritative zone set: immutable per-zone content
// snapshots collected into an immutable, atomically swappable database.
package zonedb

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/vcunat/knot-dns/internal/dns/acl"
	"github.com/vcunat/knot-dns/internal/dns/domain"
	"github.com/vcunat/knot-dns/internal/dns/sched"
)

var (
	// ErrNoZone means no configured zone covers the queried name.
	ErrNoZone = errors.New("no covering zone")
	// ErrNoRecord means the zone exists but has no data for the name/type.
	ErrNoRecord = errors.New("no such record")
)

// bloomFalsePositiveRate sizes the per-zone name filter.
const bloomFalsePositiveRate = 0.01

// ACLSet groups a zone's gate rule sets. The whole value is swapped on
// reload, so gate checks never see a half-rebuilt set.
type ACLSet struct {
	XfrOut    *acl.List
	NotifyIn  *acl.List
	NotifyOut *acl.List
}

// Zone is one authoritative dataset. Content is immutable once the zone is
// published; reloads that change content build a new Zone. The transfer state
// and the ACL pointer are the only mutable parts and are independently
// synchronized.
type Zone struct {
	// Apex is the zone's owner name, immutable for the zone's lifetime.
	Apex string
	// SOA mirrors the apex SOA RDATA; timer fields are seconds.
	SOA domain.SOA
	// Version is the source's modification time, compared on reload.
	Version time.Time

	records map[string][]domain.ResourceRecord
	ordered []domain.ResourceRecord
	names   *bloom.BloomFilter

	aclSet atomic.Pointer[ACLSet]

	// Xfr is the secondary-zone transfer state. It is allocated even for
	// primary zones so reconfiguration can turn a zone secondary.
	Xfr *XfrState
}

// NewZone builds an immutable zone snapshot from loaded records. The record
// slice keeps load order (SOA first) for transfer emission.
func NewZone(apex string, soa domain.SOA, version time.Time, records []domain.ResourceRecord) *Zone {
	z := &Zone{
		Apex:    domain.CanonicalName(apex),
		SOA:     soa,
		Version: version,
		records: make(map[string][]domain.ResourceRecord, len(records)),
		ordered: append([]domain.ResourceRecord(nil), records...),
		names:   bloom.NewWithEstimates(uint(max(len(records), 1)), bloomFalsePositiveRate),
		Xfr:     newXfrState(),
	}
	for _, rr := range z.ordered {
		key := rr.Key()
		z.records[key] = append(z.records[key], rr)
		z.names.AddString(key)
	}
	z.aclSet.Store(&ACLSet{})
	return z
}

// Lookup returns the records for the question, or ErrNoRecord. The bloom
// filter screens definite misses before the map.
func (z *Zone) Lookup(q domain.Question) ([]domain.ResourceRecord, error) {
	key := q.Key()
	if !z.names.TestString(key) {
		return nil, ErrNoRecord
	}
	records, ok := z.records[key]
	if !ok {
		return nil, ErrNoRecord
	}
	return records, nil
}

// SOARecord returns the apex SOA record.
func (z *Zone) SOARecord() (domain.ResourceRecord, bool) {
	rrs, err := z.Lookup(domain.Question{Name: z.Apex, Type: domain.TypeSOA, Class: domain.ClassIN})
	if err != nil || len(rrs) == 0 {
		return domain.ResourceRecord{}, false
	}
	return rrs[0], true
}

// AllRecords returns the zone's records in load order, SOA first. The slice
// is shared; callers must not modify it.
func (z *Zone) AllRecords() []domain.ResourceRecord {
	return z.ordered
}

// ACL returns the current rule sets.
func (z *Zone) ACL() *ACLSet {
	return z.aclSet.Load()
}

// SetACL atomically replaces the zone's rule sets.
func (z *Zone) SetACL(set *ACLSet) {
	if set == nil {
		set = &ACLSet{}
	}
	z.aclSet.Store(set)
}

// XfrState is a zone's transfer-client bookkeeping: the configured master,
// pending timers and the id of the awaited SOA probe response. It survives
// zone migration across reloads, so a probe in flight stays matched to the
// zone that is currently authoritative.
type XfrState struct {
	mu sync.Mutex

	master  netip.AddrPort
	refresh *sched.Event
	expire  *sched.Event
	// nextID is the message id of the in-flight SOA probe, -1 when none.
	nextID int32
	// serial is the last SOA serial confirmed from the master.
	serial  uint32
	expired bool
	retired bool
}

func newXfrState() *XfrState {
	return &XfrState{nextID: -1}
}

// Locked runs fn holding the state lock.
func (x *XfrState) Locked(fn func(*XfrState)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	fn(x)
}

func (x *XfrState) Master() netip.AddrPort { return x.master }

func (x *XfrState) SetMaster(m netip.AddrPort) { x.master = m }

func (x *XfrState) HasMaster() bool { return x.master.IsValid() }

func (x *XfrState) RefreshTimer() *sched.Event { return x.refresh }

func (x *XfrState) SetRefreshTimer(e *sched.Event) { x.refresh = e }

func (x *XfrState) ExpireTimer() *sched.Event { return x.expire }

func (x *XfrState) SetExpireTimer(e *sched.Event) { x.expire = e }

func (x *XfrState) AwaitedID() int32 { return x.nextID }

func (x *XfrState) SetAwaitedID(id int32) { x.nextID = id }

func (x *XfrState) Serial() uint32 { return x.serial }

func (x *XfrState) SetSerial(s uint32) { x.serial = s }

func (x *XfrState) Expired() bool { return x.expired }

func (x *XfrState) MarkExpired() { x.expired = true }

func (x *XfrState) Retired() bool { return x.retired }

func (x *XfrState) MarkRetired() { x.retired = true }

// IsExpired reports the expired flag with the lock held briefly; used by the
// query path to refuse answers from an expired secondary.
func (x *XfrState) IsExpired() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.expired
}
