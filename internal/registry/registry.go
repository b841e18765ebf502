// Package registry holds the live asset catalog.
//
// Lookups read an immutable snapshot through an atomic pointer and never block.
// Reloads build a complete new snapshot and publish it with a single swap, so a
// reader observes either the old catalog or the new one.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/vortex/pkg/asset"
)

// Route is the resolution of a (method, version) pair.
type Route struct {
	// Asset is the canonical entry: the replica with the smallest ID.
	Asset *asset.Asset
	// Replicas holds every entry serving the pair, sorted by ID. It always
	// contains Asset.
	Replicas []*asset.Asset
}

type routeKey struct {
	method  string
	version string
}

type snapshot struct {
	version  uint64
	loadedAt time.Time
	routes   map[routeKey]*Route
	assets   []*asset.Asset
}

// Registry is a concurrent (method, version) → asset table.
type Registry struct {
	current        atomic.Pointer[snapshot]
	mu             sync.Mutex
	defaultVersion string
}

// New creates an empty registry. Assets without a version are indexed under
// defaultVersion.
func New(defaultVersion string) *Registry {
	r := &Registry{defaultVersion: defaultVersion}
	r.current.Store(&snapshot{routes: map[routeKey]*Route{}})
	return r
}

// Lookup returns the canonical asset for method and version. A miss is not an error.
func (r *Registry) Lookup(method, version string) (*asset.Asset, bool) {
	route, ok := r.Route(method, version)
	if !ok {
		return nil, false
	}
	return route.Asset, true
}

// Route returns the canonical asset and its replica set.
func (r *Registry) Route(method, version string) (*Route, bool) {
	snap := r.current.Load()
	route, ok := snap.routes[routeKey{method: method, version: version}]
	return route, ok
}

// Reload validates assets and replaces the whole catalog. On error the current
// catalog stays in place. Concurrent reloads are serialized.
func (r *Registry) Reload(assets []asset.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.build(assets)
	if err != nil {
		return err
	}
	next.version = r.current.Load().version + 1
	r.current.Store(next)
	return nil
}

func (r *Registry) build(assets []asset.Asset) (*snapshot, error) {
	snap := &snapshot{
		loadedAt: time.Now(),
		routes:   make(map[routeKey]*Route, len(assets)),
		assets:   make([]*asset.Asset, 0, len(assets)),
	}

	ids := make(map[string]struct{}, len(assets))
	for i := range assets {
		// Copy so later mutation of the caller's slice cannot leak into the snapshot.
		a := assets[i]
		a.Normalize()
		if a.Version == "" {
			a.Version = r.defaultVersion
		}
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if _, dup := ids[a.ID]; dup {
			return nil, fmt.Errorf("duplicate asset id %q", a.ID)
		}
		ids[a.ID] = struct{}{}
		snap.assets = append(snap.assets, &a)
	}

	sort.Slice(snap.assets, func(i, j int) bool { return snap.assets[i].ID < snap.assets[j].ID })

	for _, a := range snap.assets {
		key := routeKey{method: a.Method, version: a.Version}
		route, ok := snap.routes[key]
		if !ok {
			snap.routes[key] = &Route{Asset: a, Replicas: []*asset.Asset{a}}
			continue
		}
		if !route.Asset.ReplicaCompatible(a) {
			return nil, fmt.Errorf("asset %s conflicts with %s for method %q version %q",
				a.ID, route.Asset.ID, a.Method, a.Version)
		}
		route.Replicas = append(route.Replicas, a)
	}
	return snap, nil
}

// Snapshot returns the published assets sorted by ID.
func (r *Registry) Snapshot() []asset.Asset {
	snap := r.current.Load()
	out := make([]asset.Asset, len(snap.assets))
	for i, a := range snap.assets {
		out[i] = *a
	}
	return out
}

// Len returns the number of published assets.
func (r *Registry) Len() int {
	return len(r.current.Load().assets)
}

// Version returns the number of successful reloads.
func (r *Registry) Version() uint64 {
	return r.current.Load().version
}

// LoadedAt returns when the current catalog was published.
func (r *Registry) LoadedAt() time.Time {
	return r.current.Load().loadedAt
}
