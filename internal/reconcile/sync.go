// Package reconcile keeps the local configuration mirror consistent with
// the remote source-of-truth. Entity types are reconciled in dependency
// order, associations last, and a failure in one phase never blocks the
// next.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"edgesync/internal/db"
	"edgesync/internal/model"
)

// PhaseResult records one entity type's reconciliation outcome.
type PhaseResult struct {
	Entity   string
	Inserted int
	Updated  int
	Deleted  int
	Skipped  int
	Err      error
}

func (p PhaseResult) writes() int { return p.Inserted + p.Updated + p.Deleted }

// Result is the outcome of one full reconciliation run. APIKey carries the
// tenant's access credential when it changed, so the upload path can start
// using it immediately. Changed reports whether any mirror row was written,
// which is the cue to reload the configuration cache.
type Result struct {
	APIKey  string
	Changed bool
	Phases  []PhaseResult
}

type Syncer struct {
	remote Source
	store  *db.Store
	log    *zap.Logger
}

func New(remote Source, store *db.Store, log *zap.Logger) *Syncer {
	return &Syncer{remote: remote, store: store, log: log}
}

// SyncAll reconciles every entity type for one tenant, in strict dependency
// order: tenant, meters, registers, then meter-register associations.
func (s *Syncer) SyncAll(ctx context.Context, tenantID string) (Result, error) {
	cycleID := uuid.NewString()
	start := time.Now()
	var res Result

	phases := []func(context.Context, string, *Result) PhaseResult{
		s.syncTenant,
		s.syncMeters,
		s.syncRegisters,
		s.syncAssociations,
	}
	for _, phase := range phases {
		pr := phase(ctx, tenantID, &res)
		if pr.Err != nil {
			s.log.Error("reconciliation phase failed, continuing with next",
				zap.String("entity", pr.Entity), zap.Error(pr.Err))
		}
		if pr.writes() > 0 {
			res.Changed = true
		}
		res.Phases = append(res.Phases, pr)
	}

	total := 0
	var phaseErrs []string
	for _, pr := range res.Phases {
		total += pr.writes()
		if pr.Err != nil {
			phaseErrs = append(phaseErrs, fmt.Sprintf("%s: %v", pr.Entity, pr.Err))
		}
	}
	entry := &model.SyncLog{
		CycleID:    cycleID,
		CycleType:  model.CycleReconcile,
		Count:      total,
		Success:    len(phaseErrs) == 0,
		Error:      strings.Join(phaseErrs, "; "),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err := s.store.AppendSyncLog(ctx, entry); err != nil {
		s.log.Error("append reconcile sync log", zap.Error(err))
	}

	s.log.Info("reconciliation finished",
		zap.String("cycle_id", cycleID),
		zap.Int("writes", total),
		zap.Bool("changed", res.Changed),
		zap.Int("failed_phases", len(phaseErrs)),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

func (s *Syncer) syncTenant(ctx context.Context, tenantID string, res *Result) PhaseResult {
	pr := PhaseResult{Entity: "tenant"}

	remote, err := s.remote.Tenant(ctx, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Warn("tenant missing remotely, keeping local scope record",
			zap.String("tenant_id", tenantID))
		return pr
	}
	if err != nil {
		pr.Err = fmt.Errorf("query remote tenant: %w", err)
		return pr
	}

	local, err := s.store.Tenant(ctx, tenantID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		pr.Err = fmt.Errorf("query local tenant: %w", err)
		return pr
	}

	switch {
	case local == nil:
		if err := s.store.UpsertTenant(ctx, remote); err != nil {
			pr.Err = fmt.Errorf("insert tenant: %w", err)
			return pr
		}
		pr.Inserted++
		res.APIKey = remote.ApiKey
	case *local != *remote:
		if err := s.store.UpsertTenant(ctx, remote); err != nil {
			pr.Err = fmt.Errorf("update tenant: %w", err)
			return pr
		}
		pr.Updated++
		if local.ApiKey != remote.ApiKey {
			res.APIKey = remote.ApiKey
		}
	}
	return pr
}

func (s *Syncer) syncMeters(ctx context.Context, tenantID string, _ *Result) PhaseResult {
	pr := PhaseResult{Entity: "meters"}

	remote, err := s.remote.Meters(ctx, tenantID)
	if err != nil {
		pr.Err = fmt.Errorf("query remote meters: %w", err)
		return pr
	}
	local, err := s.store.Meters(ctx, tenantID)
	if err != nil {
		pr.Err = fmt.Errorf("query local meters: %w", err)
		return pr
	}

	remoteByID := make(map[int64]model.Meter, len(remote))
	for _, m := range remote {
		remoteByID[m.ID] = m
	}

	var stale []int64
	localByID := make(map[int64]model.Meter, len(local))
	for _, m := range local {
		localByID[m.ID] = m
		if _, ok := remoteByID[m.ID]; !ok {
			stale = append(stale, m.ID)
		}
	}
	if err := s.store.DeleteMeters(ctx, stale); err != nil {
		pr.Err = fmt.Errorf("delete stale meters: %w", err)
		return pr
	}
	pr.Deleted = len(stale)

	for _, m := range remote {
		cur, ok := localByID[m.ID]
		if ok && cur == m {
			continue
		}
		if err := s.store.UpsertMeter(ctx, &m); err != nil {
			pr.Err = fmt.Errorf("upsert meter %d: %w", m.ID, err)
			return pr
		}
		if ok {
			pr.Updated++
		} else {
			pr.Inserted++
		}
	}
	return pr
}

func (s *Syncer) syncRegisters(ctx context.Context, tenantID string, _ *Result) PhaseResult {
	pr := PhaseResult{Entity: "registers"}

	remote, err := s.remote.Registers(ctx, tenantID)
	if err != nil {
		pr.Err = fmt.Errorf("query remote registers: %w", err)
		return pr
	}
	local, err := s.store.Registers(ctx, tenantID)
	if err != nil {
		pr.Err = fmt.Errorf("query local registers: %w", err)
		return pr
	}

	remoteByID := make(map[int64]model.Register, len(remote))
	for _, r := range remote {
		remoteByID[r.ID] = r
	}

	var stale []int64
	localByID := make(map[int64]model.Register, len(local))
	for _, r := range local {
		localByID[r.ID] = r
		if _, ok := remoteByID[r.ID]; !ok {
			stale = append(stale, r.ID)
		}
	}
	if err := s.store.DeleteRegisters(ctx, stale); err != nil {
		pr.Err = fmt.Errorf("delete stale registers: %w", err)
		return pr
	}
	pr.Deleted = len(stale)

	for _, r := range remote {
		cur, ok := localByID[r.ID]
		if ok && cur == r {
			continue
		}
		if err := s.store.UpsertRegister(ctx, &r); err != nil {
			pr.Err = fmt.Errorf("upsert register %d: %w", r.ID, err)
			return pr
		}
		if ok {
			pr.Updated++
		} else {
			pr.Inserted++
		}
	}
	return pr
}

// syncAssociations runs last because association rows reference the other
// entity types. Both parents must already exist locally; a dangling link is
// skipped with a warning, never written, and an earlier mirrored copy of it
// is removed so the mirror holds no link without its parents.
func (s *Syncer) syncAssociations(ctx context.Context, tenantID string, _ *Result) PhaseResult {
	pr := PhaseResult{Entity: "meter_registers"}

	remote, err := s.remote.MeterRegisters(ctx, tenantID)
	if err != nil {
		pr.Err = fmt.Errorf("query remote associations: %w", err)
		return pr
	}
	local, err := s.store.MeterRegisters(ctx, tenantID)
	if err != nil {
		pr.Err = fmt.Errorf("query local associations: %w", err)
		return pr
	}

	meters, err := s.store.Meters(ctx, tenantID)
	if err != nil {
		pr.Err = fmt.Errorf("query local meters: %w", err)
		return pr
	}
	registers, err := s.store.Registers(ctx, tenantID)
	if err != nil {
		pr.Err = fmt.Errorf("query local registers: %w", err)
		return pr
	}
	meterIDs := make(map[int64]struct{}, len(meters))
	for _, m := range meters {
		meterIDs[m.ID] = struct{}{}
	}
	registerIDs := make(map[int64]struct{}, len(registers))
	for _, r := range registers {
		registerIDs[r.ID] = struct{}{}
	}

	type key struct{ meter, register int64 }
	remoteSet := make(map[key]model.MeterRegister, len(remote))
	for _, mr := range remote {
		remoteSet[key{mr.MeterID, mr.RegisterID}] = mr
	}
	localSet := make(map[key]model.MeterRegister, len(local))
	for _, mr := range local {
		k := key{mr.MeterID, mr.RegisterID}
		localSet[k] = mr
		if _, ok := remoteSet[k]; !ok {
			if err := s.store.DeleteMeterRegister(ctx, mr.MeterID, mr.RegisterID); err != nil {
				pr.Err = fmt.Errorf("delete stale association %d/%d: %w", mr.MeterID, mr.RegisterID, err)
				return pr
			}
			pr.Deleted++
		}
	}

	for _, mr := range remote {
		k := key{mr.MeterID, mr.RegisterID}
		_, meterOK := meterIDs[mr.MeterID]
		_, registerOK := registerIDs[mr.RegisterID]
		if !meterOK || !registerOK {
			s.log.Warn("association references missing parent, skipping",
				zap.Int64("meter_id", mr.MeterID),
				zap.Int64("register_id", mr.RegisterID),
				zap.Bool("meter_known", meterOK),
				zap.Bool("register_known", registerOK))
			pr.Skipped++
			if _, exists := localSet[k]; exists {
				if err := s.store.DeleteMeterRegister(ctx, mr.MeterID, mr.RegisterID); err != nil {
					pr.Err = fmt.Errorf("delete dangling association %d/%d: %w", mr.MeterID, mr.RegisterID, err)
					return pr
				}
				pr.Deleted++
			}
			continue
		}
		cur, ok := localSet[k]
		if ok && cur == mr {
			continue
		}
		if err := s.store.UpsertMeterRegister(ctx, &mr); err != nil {
			pr.Err = fmt.Errorf("upsert association %d/%d: %w", mr.MeterID, mr.RegisterID, err)
			return pr
		}
		if ok {
			pr.Updated++
		} else {
			pr.Inserted++
		}
	}
	return pr
}
