// Package registry holds the in-memory configuration snapshot used by the
// collection cycle. The snapshot is immutable once built; Reload builds a
// complete replacement and swaps it atomically so readers never observe a
// partially-loaded view.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"edgesync/internal/db"
)

// RegisterEntry is the cache-resident copy of a register, bound to one
// meter. Address is the element-adjusted protocol address.
type RegisterEntry struct {
	ID        int64
	MeterID   int64
	Number    int
	Address   int
	FieldName string
	Unit      string
}

// MeterEntry is the cache-resident copy of a device-element together with
// its resolved register subset.
type MeterEntry struct {
	ID        int64
	Name      string
	Host      string
	Port      int
	UnitID    int
	Element   string
	Registers []RegisterEntry

	byAddress map[int]RegisterEntry
}

// RegisterByAddress resolves the register this meter reads at the adjusted
// address, if any.
func (m *MeterEntry) RegisterByAddress(addr int) (RegisterEntry, bool) {
	r, ok := m.byAddress[addr]
	return r, ok
}

type snapshot struct {
	meters        []MeterEntry
	registersByID map[int64]RegisterEntry
}

// Cache is the process-wide configuration cache. One instance is built at
// startup and passed by handle to every consumer.
type Cache struct {
	store    *db.Store
	tenantID string
	log      *zap.Logger

	snap atomic.Pointer[snapshot]
}

func New(store *db.Store, tenantID string, log *zap.Logger) *Cache {
	return &Cache{store: store, tenantID: tenantID, log: log}
}

// Initialize performs the first load. A failure here is fatal to startup:
// the agent cannot collect without configuration.
func (c *Cache) Initialize(ctx context.Context) error {
	snap, err := c.build(ctx)
	if err != nil {
		return fmt.Errorf("initialize configuration cache: %w", err)
	}
	c.snap.Store(snap)
	c.log.Info("configuration cache loaded",
		zap.Int("meters", len(snap.meters)),
		zap.Int("registers", len(snap.registersByID)))
	return nil
}

// Reload rebuilds the snapshot and swaps it in. On failure the previous
// snapshot stays active so collection keeps running on stale config.
func (c *Cache) Reload(ctx context.Context) error {
	snap, err := c.build(ctx)
	if err != nil {
		c.log.Error("configuration reload failed, keeping previous snapshot", zap.Error(err))
		return err
	}
	c.snap.Store(snap)
	c.log.Info("configuration cache reloaded",
		zap.Int("meters", len(snap.meters)),
		zap.Int("registers", len(snap.registersByID)))
	return nil
}

// Meters returns the cached device-elements in a fixed order.
func (c *Cache) Meters() []MeterEntry {
	s := c.snap.Load()
	if s == nil {
		return nil
	}
	return s.meters
}

// Register returns the cached register entry for an id.
func (c *Cache) Register(id int64) (RegisterEntry, bool) {
	s := c.snap.Load()
	if s == nil {
		return RegisterEntry{}, false
	}
	r, ok := s.registersByID[id]
	return r, ok
}

func (c *Cache) build(ctx context.Context) (*snapshot, error) {
	meters, err := c.store.Meters(ctx, c.tenantID)
	if err != nil {
		return nil, fmt.Errorf("load meters: %w", err)
	}
	registers, err := c.store.Registers(ctx, c.tenantID)
	if err != nil {
		return nil, fmt.Errorf("load registers: %w", err)
	}
	links, err := c.store.MeterRegisters(ctx, c.tenantID)
	if err != nil {
		return nil, fmt.Errorf("load meter registers: %w", err)
	}

	regByID := make(map[int64]RegisterEntry, len(registers))
	for _, r := range registers {
		regByID[r.ID] = RegisterEntry{
			ID:        r.ID,
			Number:    r.Number,
			FieldName: r.FieldName,
			Unit:      r.Unit,
		}
	}

	// Strict per-meter scoping: a meter reads only registers its own
	// association rows name, never another element's set.
	linksByMeter := make(map[int64][]int64, len(meters))
	for _, l := range links {
		linksByMeter[l.MeterID] = append(linksByMeter[l.MeterID], l.RegisterID)
	}

	snap := &snapshot{registersByID: regByID}
	for _, m := range meters {
		if !m.Enabled {
			continue
		}
		regIDs := linksByMeter[m.ID]
		if len(regIDs) == 0 {
			c.log.Warn("meter has no configured registers, skipping",
				zap.Int64("meter_id", m.ID), zap.String("meter", m.Name))
			continue
		}
		sort.Slice(regIDs, func(i, j int) bool { return regIDs[i] < regIDs[j] })

		entry := MeterEntry{
			ID:        m.ID,
			Name:      m.Name,
			Host:      m.Host,
			Port:      m.Port,
			UnitID:    m.UnitID,
			Element:   m.Element,
			byAddress: make(map[int]RegisterEntry, len(regIDs)),
		}
		for _, rid := range regIDs {
			reg, ok := regByID[rid]
			if !ok {
				c.log.Warn("meter references unknown register, skipping entry",
					zap.Int64("meter_id", m.ID), zap.Int64("register_id", rid))
				continue
			}
			addr, err := AdjustAddress(reg.Number, m.Element)
			if err != nil {
				c.log.Warn("cannot adjust register address",
					zap.Int64("meter_id", m.ID), zap.Int64("register_id", rid), zap.Error(err))
				continue
			}
			reg.MeterID = m.ID
			reg.Address = addr
			entry.Registers = append(entry.Registers, reg)
			entry.byAddress[addr] = reg
		}
		if len(entry.Registers) == 0 {
			continue
		}
		snap.meters = append(snap.meters, entry)
	}
	return snap, nil
}
