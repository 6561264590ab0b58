// Package xfrin drives the transfer client for secondary zones: it polls each
// configured master with SOA probes on the zone's REFRESH/RETRY schedule,
// compares serials, and asks the fetcher to pull new content when the master
// is ahead. An EXPIRE timer armed alongside the first probe stops the zone
// from answering once the master has been unreachable for too long.
package xfrin

import (
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/vcunat/knot-dns/internal/dns/common/log"
	"github.com/vcunat/knot-dns/internal/dns/domain"
	"github.com/vcunat/knot-dns/internal/dns/gateways/transport"
	"github.com/vcunat/knot-dns/internal/dns/gateways/wire"
	"github.com/vcunat/knot-dns/internal/dns/repos/xfrstore"
	"github.com/vcunat/knot-dns/internal/dns/repos/zonedb"
	"github.com/vcunat/knot-dns/internal/dns/sched"
)

// Fetcher pulls fresh zone content from a master once a newer serial has been
// confirmed. Implementations run the actual transfer and republish the zone.
type Fetcher interface {
	FetchZone(apex string, master netip.AddrPort, serial uint32)
}

// Manager owns the per-zone transfer timers.
type Manager struct {
	sched   *sched.Scheduler
	sender  transport.Sender
	codec   wire.Codec
	handle  *zonedb.Handle
	store   *xfrstore.Store // may be nil
	fetcher Fetcher         // may be nil
	logger  log.Logger
}

// Options configures a Manager.
type Options struct {
	Scheduler *sched.Scheduler
	Sender    transport.Sender
	Codec     wire.Codec
	Handle    *zonedb.Handle
	Store     *xfrstore.Store
	Fetcher   Fetcher
	Logger    log.Logger
}

// New wires a Manager.
func New(opts Options) *Manager {
	m := &Manager{
		sched:   opts.Scheduler,
		sender:  opts.Sender,
		codec:   opts.Codec,
		handle:  opts.Handle,
		store:   opts.Store,
		fetcher: opts.Fetcher,
		logger:  opts.Logger,
	}
	if m.logger == nil {
		m.logger = log.NewNoopLogger()
	}
	return m
}

// Refresh (re)arms the polling timers for a zone after it has been published.
// A zone without a master is primary; any leftover timers are torn down.
func (m *Manager) Refresh(z *zonedb.Zone) {
	seed, hasSeed := m.loadSeed(z.Apex)
	z.Xfr.Locked(func(x *zonedb.XfrState) {
		if !x.HasMaster() || x.Retired() {
			m.sched.Cancel(x.RefreshTimer())
			m.sched.Cancel(x.ExpireTimer())
			x.SetRefreshTimer(nil)
			x.SetExpireTimer(nil)
			return
		}
		// Fresh content arrived; the expire countdown restarts with the
		// next unanswered probe.
		m.sched.Cancel(x.ExpireTimer())
		x.SetExpireTimer(nil)
		x.SetAwaitedID(-1)
		if x.Serial() == 0 && hasSeed {
			x.SetSerial(seed)
		}
		if e := x.RefreshTimer(); e != nil {
			m.sched.Reschedule(e, soaInterval(z.SOA.Refresh))
		} else {
			x.SetRefreshTimer(m.sched.Schedule(m.pollEvent, z.Apex, soaInterval(z.SOA.Refresh)))
		}
	})
}

// loadSeed recovers the last confirmed serial from the store, so a restart
// does not treat an unchanged master as new content. Runs before the state
// lock is taken; store reads must not stall lookups waiting on the mutex.
func (m *Manager) loadSeed(apex string) (uint32, bool) {
	if m.store == nil {
		return 0, false
	}
	st, ok, err := m.store.Get(apex)
	if err != nil {
		m.logger.Warn(map[string]any{"zone": apex, "error": err.Error()}, "failed to read sync state")
		return 0, false
	}
	if !ok {
		return 0, false
	}
	return st.Serial, true
}

// ZoneNotified pulls the next poll forward to now. The permission check
// already happened on the query path.
func (m *Manager) ZoneNotified(apex string, peer netip.Addr) {
	z, ok := m.handle.Current().Get(apex)
	if !ok {
		return
	}
	z.Xfr.Locked(func(x *zonedb.XfrState) {
		if x.Retired() || !x.HasMaster() {
			return
		}
		m.logger.Info(map[string]any{"zone": apex, "peer": peer.String()}, "notify received, polling master")
		if e := x.RefreshTimer(); e != nil {
			m.sched.Reschedule(e, 0)
		} else {
			x.SetRefreshTimer(m.sched.Schedule(m.pollEvent, apex, 0))
		}
	})
}

// pollEvent fires on the refresh timer: send one SOA probe and re-arm at the
// RETRY interval. The first probe of a sequence also arms the EXPIRE timer.
// The probe leaves the socket after the state lock is released; the query path
// contends on that mutex for every lookup.
func (m *Manager) pollEvent(e *sched.Event) {
	apex := e.Data.(string)
	z, ok := m.handle.Current().Get(apex)
	if !ok {
		return
	}
	var (
		id     uint16
		target netip.AddrPort
		send   bool
	)
	z.Xfr.Locked(func(x *zonedb.XfrState) {
		if x.Retired() || x.Expired() || !x.HasMaster() {
			return
		}
		id = uint16(rand.Uint32())
		target = x.Master()
		x.SetAwaitedID(int32(id))
		send = true
		if x.ExpireTimer() == nil {
			x.SetExpireTimer(m.sched.Schedule(m.expireEvent, z.Apex, soaInterval(z.SOA.Expire)))
		}
		m.sched.Reschedule(e, soaInterval(z.SOA.Retry))
	})
	if !send {
		return
	}
	if err := m.sendProbe(z.Apex, id, target); err != nil {
		m.logger.Warn(map[string]any{
			"zone":   z.Apex,
			"master": target.String(),
			"error":  err.Error(),
		}, "failed to send soa probe")
		z.Xfr.Locked(func(x *zonedb.XfrState) {
			if x.AwaitedID() == int32(id) {
				x.SetAwaitedID(-1)
			}
		})
	}
}

// expireEvent fires when the master stayed silent for the whole EXPIRE window.
func (m *Manager) expireEvent(e *sched.Event) {
	apex := e.Data.(string)
	z, ok := m.handle.Current().Get(apex)
	if !ok {
		return
	}
	z.Xfr.Locked(func(x *zonedb.XfrState) {
		if x.Retired() || x.Expired() {
			return
		}
		m.logger.Error(map[string]any{"zone": apex}, "zone expired, master unreachable")
		x.MarkExpired()
		x.SetAwaitedID(-1)
		x.SetExpireTimer(nil)
		m.sched.Cancel(x.RefreshTimer())
		x.SetRefreshTimer(nil)
	})
}

func (m *Manager) sendProbe(apex string, id uint16, master netip.AddrPort) error {
	probe := &domain.Message{
		ID:     id,
		Opcode: domain.OpcodeQuery,
		Questions: []domain.Question{
			{Name: apex, Type: domain.TypeSOA, Class: domain.ClassIN},
		},
	}
	data, err := wire.Marshal(m.codec, probe)
	if err != nil {
		return err
	}
	_, err = m.sender.Send(master, data)
	return err
}

// HandleResponse consumes an answer to an outstanding SOA probe. Anything not
// matching the awaited id and the configured master is dropped. Bookkeeping
// happens under the state lock; the store write and the fetcher run after it
// is released, so neither can stall lookups or deadlock a fetcher that reads
// the zone's own transfer state.
func (m *Manager) HandleResponse(peer netip.AddrPort, msg *domain.Message) {
	if len(msg.Questions) == 0 {
		return
	}
	apex := domain.CanonicalName(msg.Question().Name)
	z, ok := m.handle.Current().Get(apex)
	if !ok {
		return
	}
	var (
		serial  uint32
		persist bool
		target  netip.AddrPort
		fetch   bool
	)
	z.Xfr.Locked(func(x *zonedb.XfrState) {
		if x.Retired() {
			return
		}
		if x.AwaitedID() < 0 || uint16(x.AwaitedID()) != msg.ID {
			return
		}
		if peer.Addr() != x.Master().Addr() {
			m.logger.Warn(map[string]any{
				"zone": apex,
				"peer": peer.String(),
			}, "soa answer from unexpected address")
			return
		}
		x.SetAwaitedID(-1)

		if msg.RCode != domain.RCodeNoError {
			m.logger.Warn(map[string]any{
				"zone":  apex,
				"rcode": int(msg.RCode),
			}, "master refused soa probe")
			return
		}
		remote, ok := answerSerial(msg)
		if !ok {
			return
		}

		// The master answered, so the zone is not abandoned.
		m.sched.Cancel(x.ExpireTimer())
		x.SetExpireTimer(nil)
		m.sched.Reschedule(x.RefreshTimer(), soaInterval(z.SOA.Refresh))

		if !serialGreater(remote, x.Serial()) {
			m.logger.Debug(map[string]any{
				"zone":   apex,
				"serial": remote,
			}, "zone up to date")
			serial, persist = x.Serial(), true
			return
		}
		m.logger.Info(map[string]any{
			"zone":       apex,
			"serial":     remote,
			"our_serial": x.Serial(),
		}, "master has newer zone")
		x.SetSerial(remote)
		serial, persist = remote, true
		target, fetch = x.Master(), true
	})
	if persist {
		m.persist(apex, serial)
	}
	if fetch && m.fetcher != nil {
		m.fetcher.FetchZone(apex, target, serial)
	}
}

func (m *Manager) persist(apex string, serial uint32) {
	if m.store == nil {
		return
	}
	if err := m.store.Put(apex, xfrstore.State{Serial: serial, SyncedAt: time.Now()}); err != nil {
		m.logger.Warn(map[string]any{"zone": apex, "error": err.Error()}, "failed to persist sync state")
	}
}

// answerSerial extracts the serial from the SOA answer record.
func answerSerial(msg *domain.Message) (uint32, bool) {
	for _, rr := range msg.Answers {
		if rr.Type != domain.TypeSOA {
			continue
		}
		soa, err := domain.ParseSOAData(rr.Data)
		if err != nil {
			return 0, false
		}
		return soa.Serial, true
	}
	return 0, false
}

// serialGreater compares SOA serials in sequence-space arithmetic.
func serialGreater(a, b uint32) bool {
	return (a > b && a-b < 1<<31) || (a < b && b-a > 1<<31)
}

// soaInterval converts a timer field, carried as whole seconds, to the
// scheduler's time base.
func soaInterval(sec uint32) time.Duration {
	return time.Duration(sec) * time.Second
}
