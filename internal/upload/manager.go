// Package upload drains the reading buffer towards the central system.
// Batches go out strictly sequentially; a failed batch stays in the buffer
// with its retry count bumped and is retried on an exponential schedule,
// never dropped.
package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"edgesync/internal/config"
	"edgesync/internal/db"
	"edgesync/internal/model"
)

// Status is the uploader's externally visible state.
type Status struct {
	Running       bool      `json:"running"`
	QueueDepth    int64     `json:"queue_depth"`
	TotalUploaded int64     `json:"total_uploaded"`
	TotalFailed   int64     `json:"total_failed"`
	LastResult    string    `json:"last_result"`
	LastRun       time.Time `json:"last_run"`
}

// readingPayload is one element of the POST /readings/batch body.
type readingPayload struct {
	DeviceID  int64   `json:"device_id"`
	Timestamp string  `json:"timestamp"`
	FieldName string  `json:"field_name"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
}

type Manager struct {
	store  *db.Store
	client *resty.Client
	creds  *Credentials
	cfg    config.UploadConfig
	log    *zap.Logger

	cron *cron.Cron

	// passMu enforces that at most one upload pass is in flight; manual
	// triggers that lose the race are no-ops.
	passMu sync.Mutex

	boffMu sync.Mutex
	boff   *backoff.ExponentialBackOff

	retryMu    sync.Mutex
	retryTimer *time.Timer

	statMu        sync.Mutex
	running       bool
	totalUploaded int64
	totalFailed   int64
	lastResult    string
	lastRun       time.Time
}

func NewManager(store *db.Store, creds *Credentials, cfg config.UploadConfig, log *zap.Logger) *Manager {
	boff := &backoff.ExponentialBackOff{
		InitialInterval:     2 * time.Minute,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         480 * time.Minute,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	boff.Reset()
	return &Manager{
		store: store,
		client: resty.New().
			SetBaseURL(cfg.URL).
			SetTimeout(30 * time.Second).
			SetHeader("Content-Type", "application/json"),
		creds: creds,
		cfg:   cfg,
		log:   log,
		boff:  boff,
	}
}

// SetUploadURL replaces the endpoint base URL (the tenant record may carry
// its own). Takes effect for subsequent passes.
func (u *Manager) SetUploadURL(url string) {
	if url == "" {
		return
	}
	u.client.SetBaseURL(url)
}

// Start wires the cron schedule and the connectivity events. A reconnect
// resets the retry backoff to its first step and triggers an immediate pass.
func (u *Manager) Start(ctx context.Context, events <-chan State) error {
	u.cron = cron.New()
	if _, err := u.cron.AddFunc(u.cfg.Schedule, func() { u.RunPass(ctx) }); err != nil {
		return fmt.Errorf("upload schedule %q: %w", u.cfg.Schedule, err)
	}
	u.cron.Start()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-events:
				if !ok {
					return
				}
				if st == Connected {
					u.log.Info("central system reachable again, uploading now")
					u.ResetBackoff()
					u.RunPass(ctx)
				}
			}
		}
	}()
	return nil
}

// Stop halts the schedule and any pending retry, then waits for a scheduled
// pass that is still running.
func (u *Manager) Stop() {
	if u.cron != nil {
		<-u.cron.Stop().Done()
	}
	u.retryMu.Lock()
	if u.retryTimer != nil {
		u.retryTimer.Stop()
		u.retryTimer = nil
	}
	u.retryMu.Unlock()
}

// ResetBackoff returns the retry schedule to its initial 2-minute step.
func (u *Manager) ResetBackoff() {
	u.boffMu.Lock()
	u.boff.Reset()
	u.boffMu.Unlock()
}

func (u *Manager) nextRetryWait() time.Duration {
	u.boffMu.Lock()
	defer u.boffMu.Unlock()
	wait := u.boff.NextBackOff()
	// the schedule jumps straight from 128m to the 480m ceiling
	if wait > 128*time.Minute {
		wait = 480 * time.Minute
	}
	return wait
}

// TriggerUpload runs one pass on demand without disturbing the schedule.
// If a pass is already running this is a no-op reporting in-flight status.
func (u *Manager) TriggerUpload(ctx context.Context) Status {
	return u.RunPass(ctx)
}

// RunPass drains the buffer in fixed-size batches, strictly one at a time.
// The first failing batch ends the pass: its rows keep their place in the
// buffer with retry_count bumped, and a retry is scheduled on the backoff.
func (u *Manager) RunPass(ctx context.Context) Status {
	// A batch already talking to the central system finishes even when the
	// run context is cancelled; cancellation only stops new batches from
	// starting. Aborting between POST and delete would force a duplicate.
	ioCtx := context.WithoutCancel(ctx)

	if !u.passMu.TryLock() {
		return u.Status(ioCtx)
	}
	defer u.passMu.Unlock()
	if ctx.Err() != nil {
		return u.Status(ioCtx)
	}

	u.setRunning(true)
	defer u.setRunning(false)

	cycleID := uuid.NewString()
	start := time.Now()
	uploaded := 0
	var passErr error

	for {
		if ctx.Err() != nil {
			break
		}
		rows, err := u.store.FetchUnsynced(ioCtx, u.cfg.BatchSize)
		if err != nil {
			passErr = fmt.Errorf("fetch unsynchronized readings: %w", err)
			break
		}
		if len(rows) == 0 {
			break
		}

		ids := make([]int64, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}

		if err := u.postBatch(ioCtx, rows); err != nil {
			passErr = err
			u.addFailed(int64(len(rows)))
			if berr := u.store.BumpRetry(ioCtx, ids); berr != nil {
				u.log.Error("bump retry_count", zap.Error(berr))
			}
			wait := u.nextRetryWait()
			u.scheduleRetry(ctx, wait)
			u.log.Warn("batch upload failed, rows retained",
				zap.Int("rows", len(rows)),
				zap.Duration("retry_in", wait),
				zap.Error(err))
			break
		}

		if err := u.store.DeleteReadings(ioCtx, ids); err != nil {
			// The batch is uploaded but still buffered; the central side must
			// tolerate the duplicate on the next pass.
			passErr = fmt.Errorf("delete uploaded readings: %w", err)
			break
		}
		uploaded += len(rows)
		u.addUploaded(int64(len(rows)))
		u.ResetBackoff()

		if len(rows) < u.cfg.BatchSize {
			break
		}
	}

	u.finishPass(uploaded, passErr)

	entry := &model.SyncLog{
		CycleID:    cycleID,
		CycleType:  model.CycleUpload,
		Count:      uploaded,
		Success:    passErr == nil,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if passErr != nil {
		entry.Error = passErr.Error()
	}
	if err := u.store.AppendSyncLog(ioCtx, entry); err != nil {
		u.log.Error("append upload sync log", zap.Error(err))
	}

	if uploaded > 0 || passErr != nil {
		u.log.Info("upload pass finished",
			zap.String("cycle_id", cycleID),
			zap.Int("uploaded", uploaded),
			zap.Duration("took", time.Since(start)),
			zap.Bool("success", passErr == nil))
	}
	return u.Status(ioCtx)
}

func (u *Manager) postBatch(ctx context.Context, rows []model.Reading) error {
	payload := make([]readingPayload, len(rows))
	for i, r := range rows {
		payload[i] = readingPayload{
			DeviceID:  r.MeterID,
			Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
			FieldName: r.FieldName,
			Value:     r.Value,
			Unit:      r.Unit,
		}
	}
	resp, err := u.client.R().
		SetContext(ctx).
		SetHeader("X-API-Key", u.creds.Get()).
		SetBody(payload).
		Post("/readings/batch")
	if err != nil {
		return fmt.Errorf("post readings batch: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("post readings batch: unexpected status %s", resp.Status())
	}
	return nil
}

func (u *Manager) scheduleRetry(ctx context.Context, wait time.Duration) {
	u.retryMu.Lock()
	defer u.retryMu.Unlock()
	if u.retryTimer != nil {
		u.retryTimer.Stop()
	}
	u.retryTimer = time.AfterFunc(wait, func() {
		if ctx.Err() != nil {
			return
		}
		u.RunPass(ctx)
	})
}

// Status reports running state, queue depth and totals.
func (u *Manager) Status(ctx context.Context) Status {
	depth, err := u.store.PendingCount(ctx)
	if err != nil {
		u.log.Error("count pending readings", zap.Error(err))
	}
	u.statMu.Lock()
	defer u.statMu.Unlock()
	return Status{
		Running:       u.running,
		QueueDepth:    depth,
		TotalUploaded: u.totalUploaded,
		TotalFailed:   u.totalFailed,
		LastResult:    u.lastResult,
		LastRun:       u.lastRun,
	}
}

func (u *Manager) setRunning(v bool) {
	u.statMu.Lock()
	u.running = v
	u.statMu.Unlock()
}

func (u *Manager) addUploaded(n int64) {
	u.statMu.Lock()
	u.totalUploaded += n
	u.statMu.Unlock()
}

func (u *Manager) addFailed(n int64) {
	u.statMu.Lock()
	u.totalFailed += n
	u.statMu.Unlock()
}

func (u *Manager) finishPass(uploaded int, err error) {
	u.statMu.Lock()
	u.lastRun = time.Now().UTC()
	if err != nil {
		u.lastResult = err.Error()
	} else {
		u.lastResult = fmt.Sprintf("uploaded %d readings", uploaded)
	}
	u.statMu.Unlock()
}
