// Package plugin renders the "schema-extending provider" of spec.md §9
// Design Notes as a Go interface plus a mutex-guarded registry, in place
// of dynamically loaded shared objects: every provider this build ships
// is compiled in and registered at startup, so Resolve never has to
// reach outside the process.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rtcom/eventlogger/internal/dbengine"
	"github.com/rtcom/eventlogger/internal/errtax"
	"github.com/rtcom/eventlogger/internal/lookup"
)

// FlagDef is a single named bit a Provider contributes to its service.
type FlagDef struct {
	Name  string
	Value int64
}

// Provider extends the event log with a service, its event types, and its
// flags, and may compute derived cursor attributes a plain column lookup
// can't (spec.md §9, "get_value" hook).
type Provider interface {
	Name() string
	Description() string
	Service() string
	EventTypes() []string
	Flags() []FlagDef
}

// ValueResolver is the optional hook a Provider implements to compute a
// derived attribute for cursor.Resolver.
type ValueResolver interface {
	GetValue(row map[string]any, column string) (value any, ok bool)
}

// Registry holds every Provider registered for this process, grounded on
// the teacher's adapter registry: a mutex-guarded name-keyed map with
// Register/Resolve/Definitions (SPEC_FULL.md §5).
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register adds a Provider under its own Name(). Re-registering the same
// name replaces the prior provider.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Resolve looks up a provider by name.
func (r *Registry) Resolve(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// ResolveByService looks up the provider that declared a given service
// name, the lookup the cursor's attribute hook uses to pick a row's
// plugin by its "service" column (spec.md §4.6).
func (r *Registry) ResolveByService(serviceName string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.Service() == serviceName {
			return p, true
		}
	}
	return nil, false
}

// RowResolver adapts a Registry into a cursor.Resolver: it picks the
// provider owning the current row's service and, if that provider
// implements ValueResolver, defers to its get_value hook (spec.md §4.6,
// "attribute lookup... consults the active plugin, selected by the
// current row's service id").
type RowResolver struct {
	Registry *Registry
}

// GetValue implements cursor.Resolver.
func (r RowResolver) GetValue(row map[string]any, column string) (any, bool) {
	name, ok := row["service"].(string)
	if !ok {
		return nil, false
	}
	p, ok := r.Registry.ResolveByService(name)
	if !ok {
		return nil, false
	}
	vr, ok := p.(ValueResolver)
	if !ok {
		return nil, false
	}
	return vr.GetValue(row, column)
}

// Definitions returns every registered provider, sorted by name for
// deterministic bootstrap ordering.
func (r *Registry) Definitions() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Install ensures every registered provider's service, event types, and
// flags exist in the lookup tables, inserting rows for anything missing
// and registering the new ids into the shared cache (spec.md §4.3).
func Install(ctx context.Context, gw *dbengine.Gateway, lc *lookup.Cache, reg *Registry) error {
	for _, p := range reg.Definitions() {
		serviceID, err := ensureService(ctx, gw, lc, p)
		if err != nil {
			return err
		}
		for _, et := range p.EventTypes() {
			if lc.EventType(et) != lookup.NotFound {
				continue
			}
			id, err := insertNamed(ctx, gw, "event_types", et)
			if err != nil {
				return err
			}
			lc.RegisterEventType(et, id)
		}
		for _, f := range p.Flags() {
			if lc.Flag(serviceID, f.Name) != lookup.NotFound {
				continue
			}
			res, err := gw.Exec(ctx, `INSERT INTO flags(name, service_id, value) VALUES (?, ?, ?)`, f.Name, serviceID, f.Value)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return errtax.Wrap(errtax.Internal, "read flag id", err)
			}
			lc.RegisterFlag(serviceID, f.Name, id, f.Value)
		}
	}
	return nil
}

func ensureService(ctx context.Context, gw *dbengine.Gateway, lc *lookup.Cache, p Provider) (int64, error) {
	if id := lc.Service(p.Service()); id != lookup.NotFound {
		return id, nil
	}
	res, err := gw.Exec(ctx, `INSERT INTO services(name, description) VALUES (?, ?)`, p.Service(), p.Description())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errtax.Wrap(errtax.Internal, "read service id", err)
	}
	lc.RegisterService(p.Service(), id)
	return id, nil
}

func insertNamed(ctx context.Context, gw *dbengine.Gateway, table, name string) (int64, error) {
	res, err := gw.Exec(ctx, fmt.Sprintf(`INSERT INTO %s(name) VALUES (?)`, table), name)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errtax.Wrap(errtax.Internal, "read inserted id", err)
	}
	return id, nil
}
