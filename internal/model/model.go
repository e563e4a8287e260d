package model

import "time"

// Tenant is the scope record mirrored from the central system. ApiKey is the
// upload credential embedded in the remote row; reconciliation surfaces
// changes to it so the uploader can pick the new key up immediately.
type Tenant struct {
	ID        string `gorm:"column:id;primaryKey"`
	Name      string `gorm:"column:name"`
	ApiKey    string `gorm:"column:api_key"`
	UploadURL string `gorm:"column:upload_url"`
}

func (Tenant) TableName() string { return "tenants" }

// Meter represents one device-element: a physical meter reachable over
// Modbus TCP plus the element letter that selects its address window.
type Meter struct {
	ID       int64  `gorm:"column:id;primaryKey"`
	TenantID string `gorm:"column:tenant_id;index"`
	Name     string `gorm:"column:name"`
	Host     string `gorm:"column:host"`
	Port     int    `gorm:"column:port"`
	UnitID   int    `gorm:"column:unit_id"`
	Element  string `gorm:"column:element"`
	Enabled  bool   `gorm:"column:enabled"`
}

func (Meter) TableName() string { return "meters" }

// Register is a protocol-addressable value definition. Number is the base
// address before element adjustment; FieldName is the stable output name
// stamped onto readings.
type Register struct {
	ID        int64  `gorm:"column:id;primaryKey"`
	TenantID  string `gorm:"column:tenant_id;index"`
	Number    int    `gorm:"column:number"`
	FieldName string `gorm:"column:field_name"`
	Unit      string `gorm:"column:unit"`
}

func (Register) TableName() string { return "registers" }

// MeterRegister links a meter to one of its configured registers. Collection
// only ever reads registers that have such a row for the meter.
type MeterRegister struct {
	MeterID    int64  `gorm:"column:meter_id;primaryKey"`
	RegisterID int64  `gorm:"column:register_id;primaryKey"`
	TenantID   string `gorm:"column:tenant_id;index"`
}

func (MeterRegister) TableName() string { return "meter_registers" }

// Reading is a buffered measurement awaiting upload. Rows are deleted only
// after a confirmed upload; a failing upload bumps RetryCount but never
// marks the row failed or drops it.
type Reading struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	MeterID      int64     `gorm:"column:meter_id;index"`
	Timestamp    time.Time `gorm:"column:timestamp;index"`
	FieldName    string    `gorm:"column:field_name"`
	Value        float64   `gorm:"column:value"`
	Unit         string    `gorm:"column:unit"`
	Synchronized bool      `gorm:"column:synchronized;default:false;index"`
	RetryCount   int       `gorm:"column:retry_count;default:0"`
}

func (Reading) TableName() string { return "readings" }

// Cycle types recorded in sync_logs.
const (
	CycleCollect   = "collect"
	CycleUpload    = "upload"
	CycleReconcile = "reconcile"
)

// SyncLog is an append-only audit record of one cycle outcome.
type SyncLog struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	CycleID    string    `gorm:"column:cycle_id"`
	CycleType  string    `gorm:"column:cycle_type;index"`
	Count      int       `gorm:"column:count"`
	Success    bool      `gorm:"column:success"`
	Error      string    `gorm:"column:error"`
	DurationMS int64     `gorm:"column:duration_ms"`
	Timestamp  time.Time `gorm:"column:timestamp;index"`
}

func (SyncLog) TableName() string { return "sync_logs" }
