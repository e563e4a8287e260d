package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"edgesync/internal/model"
)

// Store wraps the sqlite file holding both the reading buffer and the
// configuration mirror. It is the single point of contention between the
// collection writer and the upload reader/deleter, so every mutation runs
// in its own transaction scoped to explicit row ids.
type Store struct {
	ORM *gorm.DB
}

// Open opens the SQLite database using GORM and runs migrations.
func Open(path string) (*Store, error) {
	g, err := openORM(path)
	if err != nil {
		return nil, err
	}
	if err := migrateORM(g); err != nil {
		_ = closeORM(g)
		return nil, err
	}
	return &Store{ORM: g}, nil
}

func (s *Store) Close() error { return closeORM(s.ORM) }

// ---- reading buffer ----

// InsertReadings inserts all rows in one transaction. Either every row in
// the slice lands or none do; rows are stamped unsynchronized.
func (s *Store) InsertReadings(ctx context.Context, rows []model.Reading) error {
	if len(rows) == 0 {
		return nil
	}
	for i := range rows {
		rows[i].Synchronized = false
	}
	return s.ORM.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
}

// FetchUnsynced returns up to limit unsynchronized readings, oldest first.
func (s *Store) FetchUnsynced(ctx context.Context, limit int) ([]model.Reading, error) {
	var rows []model.Reading
	err := s.ORM.WithContext(ctx).
		Where("synchronized = ?", false).
		Order("timestamp ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteReadings removes exactly the rows with the given ids.
func (s *Store) DeleteReadings(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.ORM.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Where("id IN ?", ids).Delete(&model.Reading{}).Error
	})
}

// BumpRetry increments retry_count on exactly the rows with the given ids.
func (s *Store) BumpRetry(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.ORM.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Model(&model.Reading{}).
			Where("id IN ?", ids).
			UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
	})
}

// PendingCount returns how many readings are still awaiting upload.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.ORM.WithContext(ctx).
		Model(&model.Reading{}).
		Where("synchronized = ?", false).
		Count(&n).Error
	return n, err
}

// ---- configuration mirror ----

func (s *Store) Tenant(ctx context.Context, id string) (*model.Tenant, error) {
	var t model.Tenant
	err := s.ORM.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) Meters(ctx context.Context, tenantID string) ([]model.Meter, error) {
	var out []model.Meter
	err := s.ORM.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *Store) Registers(ctx context.Context, tenantID string) ([]model.Register, error) {
	var out []model.Register
	err := s.ORM.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("id").
		Find(&out).Error
	return out, err
}

func (s *Store) MeterRegisters(ctx context.Context, tenantID string) ([]model.MeterRegister, error) {
	var out []model.MeterRegister
	err := s.ORM.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("meter_id, register_id").
		Find(&out).Error
	return out, err
}

// Upsert helpers used by reconciliation. Save performs insert-or-update by
// primary key; MeterRegister needs the composite-key conflict clause.

func (s *Store) UpsertTenant(ctx context.Context, t *model.Tenant) error {
	return s.ORM.WithContext(ctx).Save(t).Error
}

func (s *Store) UpsertMeter(ctx context.Context, m *model.Meter) error {
	return s.ORM.WithContext(ctx).Save(m).Error
}

func (s *Store) UpsertRegister(ctx context.Context, r *model.Register) error {
	return s.ORM.WithContext(ctx).Save(r).Error
}

func (s *Store) UpsertMeterRegister(ctx context.Context, mr *model.MeterRegister) error {
	return s.ORM.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "meter_id"}, {Name: "register_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"tenant_id"}),
		}).
		Create(mr).Error
}

func (s *Store) DeleteMeters(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.ORM.WithContext(ctx).Where("id IN ?", ids).Delete(&model.Meter{}).Error
}

func (s *Store) DeleteRegisters(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.ORM.WithContext(ctx).Where("id IN ?", ids).Delete(&model.Register{}).Error
}

func (s *Store) DeleteMeterRegister(ctx context.Context, meterID, registerID int64) error {
	return s.ORM.WithContext(ctx).
		Where("meter_id = ? AND register_id = ?", meterID, registerID).
		Delete(&model.MeterRegister{}).Error
}

// ---- sync log ----

// AppendSyncLog records one cycle outcome. Failures to write the audit row
// must not fail the cycle itself, so callers typically log the error only.
func (s *Store) AppendSyncLog(ctx context.Context, entry *model.SyncLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return s.ORM.WithContext(ctx).Create(entry).Error
}

// LastSyncLog returns the most recent entry for a cycle type, or nil.
func (s *Store) LastSyncLog(ctx context.Context, cycleType string) (*model.SyncLog, error) {
	var entry model.SyncLog
	err := s.ORM.WithContext(ctx).
		Where("cycle_type = ?", cycleType).
		Order("timestamp DESC, id DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// PruneSyncLogs drops audit rows older than the cutoff.
func (s *Store) PruneSyncLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.ORM.WithContext(ctx).
		Where("timestamp < ?", olderThan).
		Delete(&model.SyncLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune sync logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
