package zonedb

import (
	"sync/atomic"

	"github.com/vcunat/knot-dns/internal/dns/domain"
)

// DB is an indexed collection of zones. The reloader builds and mutates a DB
// privately; once published through a Handle it is never written again, so
// readers need no locks.
type DB struct {
	zones map[string]*Zone
}

// NewDB creates an empty database.
func NewDB() *DB {
	return &DB{zones: make(map[string]*Zone)}
}

// Insert adds or replaces a zone. Build phase only.
func (db *DB) Insert(z *Zone) {
	db.zones[z.Apex] = z
}

// Get returns the zone with exactly this apex.
func (db *DB) Get(apex string) (*Zone, bool) {
	z, ok := db.zones[domain.CanonicalName(apex)]
	return z, ok
}

// Find returns the zone whose apex is the longest suffix of name, walking
// label by label toward the root.
func (db *DB) Find(name string) (*Zone, error) {
	n := domain.CanonicalName(name)
	for {
		if z, ok := db.zones[n]; ok {
			return z, nil
		}
		if n == "." {
			return nil, ErrNoZone
		}
		n = domain.ParentName(n)
	}
}

// Zones returns all zones in no particular order.
func (db *DB) Zones() []*Zone {
	out := make([]*Zone, 0, len(db.zones))
	for _, z := range db.zones {
		out = append(out, z)
	}
	return out
}

// Len returns the number of zones.
func (db *DB) Len() int { return len(db.zones) }

// Handle is the process-wide current-database pointer. Readers load it once
// per operation and keep using that snapshot; Publish is a single atomic
// swap, so a lookup observes either the fully-old or the fully-new database.
type Handle struct {
	current atomic.Pointer[DB]
}

// NewHandle creates a handle publishing an empty database.
func NewHandle() *Handle {
	h := &Handle{}
	h.current.Store(NewDB())
	return h
}

// Current returns the published database snapshot.
func (h *Handle) Current() *DB {
	return h.current.Load()
}

// Publish atomically replaces the current database and returns the previous
// one for retirement.
func (h *Handle) Publish(db *DB) *DB {
	return h.current.Swap(db)
}

// Retire processes the old database after a publish: zones migrated into the
// new database are left alone (ownership moved forward); zones absent from it
// are marked retired so pending timer callbacks observe the flag and no-op.
// The old map itself is not mutated, in-flight readers may still be walking
// it; the garbage collector provides the grace period once they finish.
func Retire(old, current *DB) []*Zone {
	if old == nil {
		return nil
	}
	var torn []*Zone
	for apex, z := range old.zones {
		if migrated, ok := current.zones[apex]; ok && migrated == z {
			continue
		}
		z.Xfr.Locked(func(x *XfrState) {
			x.MarkRetired()
		})
		torn = append(torn, z)
	}
	return torn
}
