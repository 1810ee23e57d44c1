package routing

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Snapshot is an immutable view of the route table, observed atomically by
// readers (spec §3 "RouteTableSnapshot").
type Snapshot struct {
	ByHost      map[string]Route
	ChangeEpoch uint64
}

// Table is a single mutable cell holding a Snapshot. Writers (only the
// Observer) acquire mu, compute a new snapshot, and publish it atomically;
// readers load the snapshot lock-free via Snapshot() (spec §4.3).
type Table struct {
	mu       sync.Mutex // serialises writers only
	current  atomic.Pointer[Snapshot]
	byID     map[string]Route // writer-only bookkeeping, mirrors current.ByHost
	epoch    uint64
	log      *slog.Logger
}

// NewTable creates an empty, ready-to-use Table.
func NewTable(log *slog.Logger) *Table {
	t := &Table{byID: make(map[string]Route), log: log}
	t.current.Store(&Snapshot{ByHost: map[string]Route{}})
	return t
}

// Snapshot returns the current snapshot. Safe to call from the hot request
// path with zero allocation beyond the returned reference (spec §4.3).
func (t *Table) Snapshot() *Snapshot {
	return t.current.Load()
}

// Upsert inserts or replaces the Route for containerID. If another
// container currently owns the same host, that container's route is
// displaced — the newer route wins (spec §3, §4.3 "last writer wins").
func (t *Table) Upsert(containerID string, route Route) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, existing := range t.byID {
		if id != containerID && existing.Host == route.Host {
			delete(t.byID, id)
			if t.log != nil {
				t.log.Warn("route displaced by host collision",
					"container_id", shortID(id), "host", route.Host,
					"displaced_by", shortID(containerID), "component", "route_table")
			}
		}
	}

	t.byID[containerID] = route
	t.publish()
}

// Remove deletes the Route for containerID if present (spec §4.3).
func (t *Table) Remove(containerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byID[containerID]; !ok {
		return
	}
	delete(t.byID, containerID)
	t.publish()
}

// publish must be called with mu held. It builds a fresh ByHost map from
// byID and atomically swaps it in, bumping the change epoch.
func (t *Table) publish() {
	byHost := make(map[string]Route, len(t.byID))
	for _, route := range t.byID {
		byHost[route.Host] = route
	}
	t.epoch++
	t.current.Store(&Snapshot{ByHost: byHost, ChangeEpoch: t.epoch})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
