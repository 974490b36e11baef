// Package lookup memoizes the three small name→id tables (services, event
// types, flags) so that resolving a name never touches the database after
// startup (spec.md §4.3, C3).
package lookup

import (
	"context"
	"sync"

	"github.com/rtcom/eventlogger/internal/dbengine"
	"github.com/rtcom/eventlogger/internal/errtax"
)

// NotFound is the sentinel id returned when a name has no entry.
const NotFound int64 = -1

type flagKey struct {
	serviceID int64
	name      string
}

// Cache is the in-memory mirror of the services, event_types, and flags
// tables. Mutations made through Register* keep it synchronized; it never
// shrinks except by process restart, matching spec.md invariant 6.
type Cache struct {
	mu sync.RWMutex

	services   map[string]int64
	eventTypes map[string]int64
	flags      map[flagKey]int64
	flagValues map[int64]int64 // flag id -> bit value
}

// Load reads the three lookup tables into a fresh Cache.
func Load(ctx context.Context, gw *dbengine.Gateway) (*Cache, error) {
	c := &Cache{
		services:   map[string]int64{},
		eventTypes: map[string]int64{},
		flags:      map[flagKey]int64{},
		flagValues: map[int64]int64{},
	}
	if err := c.reloadServices(ctx, gw); err != nil {
		return nil, err
	}
	if err := c.reloadEventTypes(ctx, gw); err != nil {
		return nil, err
	}
	if err := c.reloadFlags(ctx, gw); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) reloadServices(ctx context.Context, gw *dbengine.Gateway) error {
	rows, err := gw.Query(ctx, `SELECT id, name FROM services`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return errtax.Wrap(errtax.Internal, "scan service row", err)
		}
		c.services[name] = id
	}
	return rowsErr(rows)
}

func (c *Cache) reloadEventTypes(ctx context.Context, gw *dbengine.Gateway) error {
	rows, err := gw.Query(ctx, `SELECT id, name FROM event_types`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return errtax.Wrap(errtax.Internal, "scan event_type row", err)
		}
		c.eventTypes[name] = id
	}
	return rowsErr(rows)
}

func (c *Cache) reloadFlags(ctx context.Context, gw *dbengine.Gateway) error {
	rows, err := gw.Query(ctx, `SELECT id, name, service_id, value FROM flags`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, serviceID, value int64
		var name string
		if err := rows.Scan(&id, &name, &serviceID, &value); err != nil {
			return errtax.Wrap(errtax.Internal, "scan flag row", err)
		}
		c.flags[flagKey{serviceID: serviceID, name: name}] = value
		c.flagValues[id] = value
	}
	return rowsErr(rows)
}

func rowsErr(rows interface{ Err() error }) error {
	if err := rows.Err(); err != nil {
		return errtax.Wrap(errtax.Internal, "iterate lookup rows", err)
	}
	return nil
}

// Service resolves a service name to its id, or NotFound.
func (c *Cache) Service(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id, ok := c.services[name]; ok {
		return id
	}
	return NotFound
}

// EventType resolves an event-type name to its id, or NotFound.
func (c *Cache) EventType(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id, ok := c.eventTypes[name]; ok {
		return id
	}
	return NotFound
}

// Flag resolves a flag name scoped to a service to its bit value, or
// NotFound.
func (c *Cache) Flag(serviceID int64, name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.flags[flagKey{serviceID: serviceID, name: name}]; ok {
		return v
	}
	return NotFound
}

// FlagsForService enumerates the flag names registered for a service
// (supplemented feature, SPEC_FULL.md §4 item 5: rtcom_el_get_flags).
func (c *Cache) FlagsForService(serviceID int64) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0)
	for k := range c.flags {
		if k.serviceID == serviceID {
			names = append(names, k.name)
		}
	}
	return names
}

// RegisterService records a newly inserted service in the cache.
func (c *Cache) RegisterService(name string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = id
}

// RegisterEventType records a newly inserted event type in the cache.
func (c *Cache) RegisterEventType(name string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventTypes[name] = id
}

// RegisterFlag records a newly inserted flag in the cache.
func (c *Cache) RegisterFlag(serviceID int64, name string, id, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags[flagKey{serviceID: serviceID, name: name}] = value
	c.flagValues[id] = value
}
