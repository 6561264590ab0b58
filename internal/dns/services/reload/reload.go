// Package reload rebuilds and publishes the zone database from configuration.
// A reload is incremental: zones whose source file is unchanged migrate into
// the new database untouched, so their transfer state and timers carry over,
// and the loader never runs for them.
package reload

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/vcunat/knot-dns/internal/dns/acl"
	"github.com/vcunat/knot-dns/internal/dns/common/log"
	"github.com/vcunat/knot-dns/internal/dns/config"
	"github.com/vcunat/knot-dns/internal/dns/repos/msgcache"
	"github.com/vcunat/knot-dns/internal/dns/repos/xfrstore"
	"github.com/vcunat/knot-dns/internal/dns/repos/zonedb"
	"github.com/vcunat/knot-dns/internal/dns/repos/zonefile"
	"github.com/vcunat/knot-dns/internal/dns/sched"
)

// Timers arms or tears down a zone's transfer timers after publish.
type Timers interface {
	Refresh(z *zonedb.Zone)
}

// Reloader builds zone databases from the configured zone set.
type Reloader struct {
	mu sync.Mutex

	loader *zonefile.Loader
	handle *zonedb.Handle
	cache  *msgcache.Cache // may be nil
	timers Timers          // may be nil
	sched  *sched.Scheduler
	store  *xfrstore.Store // may be nil
	logger log.Logger
}

// Options configures a Reloader.
type Options struct {
	Loader    *zonefile.Loader
	Handle    *zonedb.Handle
	Cache     *msgcache.Cache
	Timers    Timers
	Scheduler *sched.Scheduler
	Store     *xfrstore.Store
	Logger    log.Logger
}

// New wires a Reloader.
func New(opts Options) *Reloader {
	r := &Reloader{
		loader: opts.Loader,
		handle: opts.Handle,
		cache:  opts.Cache,
		timers: opts.Timers,
		sched:  opts.Scheduler,
		store:  opts.Store,
		logger: opts.Logger,
	}
	if r.loader == nil {
		r.loader = zonefile.NewLoader()
	}
	if r.logger == nil {
		r.logger = log.NewNoopLogger()
	}
	return r
}

// ReloadFromFile parses the zone set at path and applies it.
func (r *Reloader) ReloadFromFile(path string) error {
	set, err := config.LoadZoneSet(path)
	if err != nil {
		return err
	}
	r.Reload(set)
	return nil
}

// Reload builds a new database from the zone set and publishes it. Zones that
// fail to load keep their previous content; zones removed from the set are
// retired. Only one reload runs at a time.
func (r *Reloader) Reload(set *config.ZoneSet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.handle.Current()
	next := zonedb.NewDB()

	for _, cfg := range set.Zones {
		z := r.buildZone(cfg, old)
		if z == nil {
			continue
		}
		r.applyConfig(z, cfg)
		next.Insert(z)
	}

	prev := r.handle.Publish(next)
	if r.cache != nil {
		r.cache.Purge()
	}

	for _, z := range zonedb.Retire(prev, next) {
		_, stillConfigured := next.Get(z.Apex)
		r.teardown(z, stillConfigured)
	}
	if r.timers != nil {
		for _, z := range next.Zones() {
			r.timers.Refresh(z)
		}
	}
	r.logger.Info(map[string]any{"zones": next.Len()}, "zone database published")
}

// buildZone returns the zone to publish for one config entry: the migrated old
// zone when its file is unchanged, a freshly parsed one when newer, or the old
// zone as a fallback when parsing fails.
func (r *Reloader) buildZone(cfg config.ZoneConfig, old *zonedb.DB) *zonedb.Zone {
	existing, ok := old.Get(cfg.Name)
	if ok && !r.loader.NeedsUpdate(cfg.File, existing.Version) && !existing.Xfr.IsExpired() {
		return existing
	}

	data, err := r.loader.Load(cfg.File)
	if err != nil {
		r.logger.Error(map[string]any{
			"zone":  cfg.Name,
			"file":  cfg.File,
			"error": err.Error(),
		}, "failed to load zone file")
		if ok {
			// Stale beats gone.
			return existing
		}
		return nil
	}
	if data.Apex != cfg.Name {
		r.logger.Error(map[string]any{
			"zone": cfg.Name,
			"file": cfg.File,
			"apex": data.Apex,
		}, "zone file apex does not match configured name")
		if ok {
			return existing
		}
		return nil
	}

	z := zonedb.NewZone(data.Apex, data.SOA, data.Version, data.Records)
	z.Xfr.Locked(func(x *zonedb.XfrState) {
		x.SetSerial(data.SOA.Serial)
	})
	return z
}

// applyConfig refreshes the mutable zone parts on every reload, including for
// migrated zones whose content did not change.
func (r *Reloader) applyConfig(z *zonedb.Zone, cfg config.ZoneConfig) {
	z.SetACL(&zonedb.ACLSet{
		XfrOut:    r.parseACL(cfg.Name, "xfr_out", cfg.ACL.XfrOut),
		NotifyIn:  r.parseACL(cfg.Name, "notify_in", cfg.ACL.NotifyIn),
		NotifyOut: r.parseACL(cfg.Name, "notify_out", cfg.ACL.NotifyOut),
	})

	var master netip.AddrPort
	if cfg.IsSecondary() {
		m, err := parseMaster(cfg.Master)
		if err != nil {
			r.logger.Error(map[string]any{
				"zone":   cfg.Name,
				"master": cfg.Master,
				"error":  err.Error(),
			}, "invalid master address")
		} else {
			master = m
		}
	}
	z.Xfr.Locked(func(x *zonedb.XfrState) {
		x.SetMaster(master)
	})
}

func (r *Reloader) parseACL(zone, gate string, entries []string) *acl.List {
	list, err := acl.Parse(entries)
	if err != nil {
		r.logger.Error(map[string]any{
			"zone":  zone,
			"gate":  gate,
			"error": err.Error(),
		}, "invalid acl, denying all")
		return nil
	}
	return list
}

// teardown stops a retired zone's timers. A zone superseded by new content
// under the same apex keeps its persisted sync state; one dropped from the
// configuration loses it.
func (r *Reloader) teardown(z *zonedb.Zone, stillConfigured bool) {
	z.Xfr.Locked(func(x *zonedb.XfrState) {
		if r.sched != nil {
			r.sched.Cancel(x.RefreshTimer())
			r.sched.Cancel(x.ExpireTimer())
		}
		x.SetRefreshTimer(nil)
		x.SetExpireTimer(nil)
	})
	if stillConfigured {
		return
	}
	if r.store != nil {
		if err := r.store.Delete(z.Apex); err != nil {
			r.logger.Warn(map[string]any{"zone": z.Apex, "error": err.Error()}, "failed to drop sync state")
		}
	}
	r.logger.Info(map[string]any{"zone": z.Apex}, "zone retired")
}

// parseMaster accepts ip:port or a bare ip, defaulting the port to 53.
func parseMaster(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("not an address: %q", s)
	}
	return netip.AddrPortFrom(addr, 53), nil
}
