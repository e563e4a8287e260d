// Package collect runs the measurement collection cycle: one fixed-order
// pass over all cached meters, reading each meter's configured registers and
// handing validated values to the buffer.
package collect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edgesync/internal/buffer"
	"edgesync/internal/config"
	"edgesync/internal/db"
	"edgesync/internal/model"
	"edgesync/internal/protocol"
	"edgesync/internal/registry"
)

// Stats aggregates one cycle's outcome.
type Stats struct {
	MetersProcessed int `json:"meters_processed"`
	MetersSkipped   int `json:"meters_skipped"`
	Readings        int `json:"readings"`
	Errors          int `json:"errors"`
}

// Manager drives collection cycles. Meters are processed strictly in cache
// order and one meter's failure never aborts the cycle.
type Manager struct {
	cache   *registry.Cache
	batcher *buffer.Batcher
	store   *db.Store
	dial    protocol.Dialer
	cfg     config.CollectConfig
	log     *zap.Logger
	backoff *backoffLedger
}

func New(cache *registry.Cache, batcher *buffer.Batcher, store *db.Store, dial protocol.Dialer, cfg config.CollectConfig, log *zap.Logger) *Manager {
	return &Manager{
		cache:   cache,
		batcher: batcher,
		store:   store,
		dial:    dial,
		cfg:     cfg,
		log:     log,
		backoff: newBackoffLedger(cfg.DeviceBackoff),
	}
}

// Run performs one full pass over all cached meters, flushes the collected
// readings and appends the cycle outcome to the sync log.
func (m *Manager) Run(ctx context.Context) (Stats, error) {
	cycleID := uuid.NewString()
	start := time.Now()
	var stats Stats

	// Shutdown stops the pass between meters only. The in-flight meter and
	// the storing phase run on a cancellation-immune context so collected
	// readings never strand in memory at exit.
	ioCtx := context.WithoutCancel(ctx)

	for _, meter := range m.cache.Meters() {
		if ctx.Err() != nil {
			break
		}
		m.collectMeter(ioCtx, meter, &stats)
	}

	inserted, flushErr := m.batcher.Flush(ioCtx)
	stats.Readings = inserted

	entry := &model.SyncLog{
		CycleID:    cycleID,
		CycleType:  model.CycleCollect,
		Count:      inserted,
		Success:    flushErr == nil,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if flushErr != nil {
		entry.Error = flushErr.Error()
	} else if stats.Errors > 0 {
		entry.Error = fmt.Sprintf("%d meter errors", stats.Errors)
	}
	if err := m.store.AppendSyncLog(ioCtx, entry); err != nil {
		m.log.Error("append collect sync log", zap.Error(err))
	}

	m.log.Info("collection cycle finished",
		zap.String("cycle_id", cycleID),
		zap.Int("meters", stats.MetersProcessed),
		zap.Int("skipped", stats.MetersSkipped),
		zap.Int("readings", inserted),
		zap.Int("errors", stats.Errors),
		zap.Duration("took", time.Since(start)))
	return stats, flushErr
}

func (m *Manager) collectMeter(ctx context.Context, meter registry.MeterEntry, stats *Stats) {
	if m.backoff.InBackoff(meter.ID) {
		stats.MetersSkipped++
		m.log.Debug("meter in backoff, skipping", zap.Int64("meter_id", meter.ID))
		return
	}

	conn, err := m.dial(protocol.Config{
		Host:    meter.Host,
		Port:    meter.Port,
		UnitID:  uint8(meter.UnitID),
		Timeout: m.cfg.ReadTimeout,
	})
	if err != nil {
		stats.Errors++
		m.backoff.Mark(meter.ID)
		m.log.Warn("meter unreachable, entering backoff",
			zap.Int64("meter_id", meter.ID),
			zap.String("meter", meter.Name),
			zap.Duration("backoff", m.cfg.DeviceBackoff),
			zap.Error(err))
		return
	}
	defer conn.Close()

	if m.cfg.Precheck && len(meter.Registers) > 0 {
		conn.SetTimeout(m.cfg.ReadTimeout)
		if _, err := conn.ReadOne(ctx, meter.Registers[0].Address); err != nil &&
			!errors.Is(err, protocol.ErrValue) {
			stats.Errors++
			m.backoff.Mark(meter.ID)
			m.log.Warn("meter failed connectivity pre-check, entering backoff",
				zap.Int64("meter_id", meter.ID), zap.Error(err))
			return
		}
	}

	addrs := make([]int, 0, len(meter.Registers))
	for _, r := range meter.Registers {
		addrs = append(addrs, r.Address)
	}

	values, err := m.readAddrs(ctx, conn, addrs)
	if len(values) == 0 && err != nil {
		stats.Errors++
		if errors.Is(err, protocol.ErrUnreachable) || errors.Is(err, protocol.ErrTimeout) {
			m.backoff.Mark(meter.ID)
		}
		m.log.Warn("meter read failed",
			zap.Int64("meter_id", meter.ID),
			zap.String("meter", meter.Name),
			zap.Error(err))
		return
	}
	if err != nil {
		stats.Errors++
		m.log.Warn("meter read partially failed",
			zap.Int64("meter_id", meter.ID), zap.Error(err))
	}

	now := time.Now().UTC()
	for _, reg := range meter.Registers {
		v, ok := values[reg.Address]
		if !ok {
			// Failed validation or missing from the reply; skipped, the value
			// is never stored as zero.
			m.log.Debug("no valid value for register",
				zap.Int64("meter_id", meter.ID),
				zap.Int("address", reg.Address),
				zap.String("field", reg.FieldName))
			continue
		}
		m.batcher.Add(model.Reading{
			MeterID:   meter.ID,
			Timestamp: now,
			FieldName: reg.FieldName,
			Value:     v,
			Unit:      reg.Unit,
		})
	}

	// The meter answered; any earlier backoff is over.
	m.backoff.Clear(meter.ID)
	stats.MetersProcessed++
}

// readAddrs attempts one combined read, shrinking the batch by halves when
// adaptive batching is on and finally degrading to one-at-a-time reads when
// sequential fallback is on.
func (m *Manager) readAddrs(ctx context.Context, conn protocol.Conn, addrs []int) (map[int]float64, error) {
	conn.SetTimeout(m.cfg.BatchTimeout)
	out := make(map[int]float64, len(addrs))
	err := m.readInto(ctx, conn, addrs, out)
	return out, err
}

func (m *Manager) readInto(ctx context.Context, conn protocol.Conn, addrs []int, out map[int]float64) error {
	vals, err := conn.ReadBatch(ctx, addrs)
	if err == nil {
		for a, v := range vals {
			out[a] = v
		}
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if *m.cfg.AdaptiveBatching && len(addrs) > 1 {
		m.log.Debug("batch read failed, shrinking batch",
			zap.Int("size", len(addrs)), zap.Error(err))
		mid := len(addrs) / 2
		errL := m.readInto(ctx, conn, addrs[:mid], out)
		errR := m.readInto(ctx, conn, addrs[mid:], out)
		if errL != nil {
			return errL
		}
		return errR
	}
	if *m.cfg.SequentialFallback {
		conn.SetTimeout(m.cfg.FallbackTimeout)
		var lastErr error
		for _, a := range addrs {
			v, rerr := conn.ReadOne(ctx, a)
			if rerr != nil {
				if errors.Is(rerr, protocol.ErrValue) {
					m.log.Debug("value rejected", zap.Int("address", a), zap.Error(rerr))
					continue
				}
				lastErr = rerr
				continue
			}
			out[a] = v
		}
		return lastErr
	}
	return err
}
