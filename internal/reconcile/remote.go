package reconcile

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"edgesync/internal/model"
)

// Source is the remote source-of-truth for configuration entities. Queries
// are scoped to one tenant.
type Source interface {
	Tenant(ctx context.Context, id string) (*model.Tenant, error)
	Meters(ctx context.Context, tenantID string) ([]model.Meter, error)
	Registers(ctx context.Context, tenantID string) ([]model.Register, error)
	MeterRegisters(ctx context.Context, tenantID string) ([]model.MeterRegister, error)
	Close() error
}

// PostgresSource reads the central configuration database.
type PostgresSource struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open remote source: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping remote source: %w", err)
	}
	return &PostgresSource{db: db}, nil
}

func (s *PostgresSource) Close() error { return s.db.Close() }

func (s *PostgresSource) Tenant(ctx context.Context, id string) (*model.Tenant, error) {
	var t model.Tenant
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, upload_url FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.ApiKey, &t.UploadURL)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresSource) Meters(ctx context.Context, tenantID string) ([]model.Meter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, host, port, unit_id, element, enabled
		 FROM meters WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Meter
	for rows.Next() {
		var m model.Meter
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Name, &m.Host, &m.Port, &m.UnitID, &m.Element, &m.Enabled); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresSource) Registers(ctx context.Context, tenantID string) ([]model.Register, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, number, field_name, unit
		 FROM registers WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Register
	for rows.Next() {
		var r model.Register
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Number, &r.FieldName, &r.Unit); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresSource) MeterRegisters(ctx context.Context, tenantID string) ([]model.MeterRegister, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT meter_id, register_id, tenant_id
		 FROM meter_registers WHERE tenant_id = $1 ORDER BY meter_id, register_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MeterRegister
	for rows.Next() {
		var mr model.MeterRegister
		if err := rows.Scan(&mr.MeterID, &mr.RegisterID, &mr.TenantID); err != nil {
			return nil, err
		}
		out = append(out, mr)
	}
	return out, rows.Err()
}
