// Package agent owns every component handle and drives the three periodic
// cycles: collection, upload and reconciliation. Each cycle type excludes
// overlap with itself but runs independently of the other two.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"edgesync/internal/buffer"
	"edgesync/internal/collect"
	"edgesync/internal/config"
	"edgesync/internal/db"
	"edgesync/internal/model"
	"edgesync/internal/protocol"
	"edgesync/internal/reconcile"
	"edgesync/internal/registry"
	"edgesync/internal/upload"
)

// Status is the snapshot returned by the trigger/status control surface.
type Status struct {
	Connectivity  string         `json:"connectivity"`
	Upload        upload.Status  `json:"upload"`
	LastCollect   *model.SyncLog `json:"last_collect,omitempty"`
	LastUpload    *model.SyncLog `json:"last_upload,omitempty"`
	LastReconcile *model.SyncLog `json:"last_reconcile,omitempty"`
}

type Agent struct {
	cfg config.Config
	log *zap.Logger

	store     *db.Store
	remote    reconcile.Source
	cache     *registry.Cache
	batcher   *buffer.Batcher
	collector *collect.Manager
	creds     *upload.Credentials
	uploader  *upload.Manager
	monitor   *upload.Monitor
	syncer    *reconcile.Syncer

	collectMu   sync.Mutex
	reconcileMu sync.Mutex
	wg          sync.WaitGroup
}

// New constructs the agent and opens its stores. The configuration cache is
// not loaded yet; Run does that after the first reconciliation attempt.
func New(cfg config.Config, log *zap.Logger) (*Agent, error) {
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	remote, err := reconcile.OpenPostgres(cfg.Remote.DSN)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	creds := upload.NewCredentials(cfg.Upload.APIKey)
	cache := registry.New(store, cfg.Remote.TenantID, log.Named("registry"))
	batcher := buffer.New(store, cfg.Collect.FlushBatchSize, log.Named("buffer"))

	a := &Agent{
		cfg:       cfg,
		log:       log,
		store:     store,
		remote:    remote,
		cache:     cache,
		batcher:   batcher,
		creds:     creds,
		collector: collect.New(cache, batcher, store, protocol.Dial, cfg.Collect, log.Named("collect")),
		uploader:  upload.NewManager(store, creds, cfg.Upload, log.Named("upload")),
		monitor:   upload.NewMonitor(cfg.Upload.URL, creds, cfg.Upload.ProbeInterval, cfg.Upload.ProbeTimeout, log.Named("connectivity")),
		syncer:    reconcile.New(remote, store, log.Named("reconcile")),
	}
	return a, nil
}

// Run starts every cycle and blocks until the context is cancelled. An
// in-flight cycle is allowed to finish before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	// First reconciliation before the cache loads, so a fresh agent picks
	// up its configuration. Offline start is fine as long as the mirror
	// already holds a snapshot from an earlier run.
	a.runReconciliation(ctx)
	a.applyTenant(ctx)

	if err := a.cache.Initialize(ctx); err != nil {
		return err
	}

	if err := a.uploader.Start(ctx, a.monitor.Events()); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.monitor.Run(ctx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.Collect.Interval)
		defer ticker.Stop()
		a.runCollection(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runCollection(ctx)
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.Reconcile.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runReconciliation(ctx)
			}
		}
	}()

	<-ctx.Done()
	a.drain()
	return nil
}

// RunOnce performs a single collect, upload and reconcile round. Used by
// the -once operator mode.
func (a *Agent) RunOnce(ctx context.Context) error {
	a.runReconciliation(ctx)
	a.applyTenant(ctx)
	if err := a.cache.Initialize(ctx); err != nil {
		return err
	}
	a.runCollection(ctx)
	a.uploader.RunPass(ctx)
	return nil
}

// drain gives running cycles a grace period to finish. The uploader is
// stopped first so a scheduled pass still in flight is awaited too.
func (a *Agent) drain() {
	done := make(chan struct{})
	go func() {
		a.uploader.Stop()
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		a.log.Warn("timeout waiting for cycles to stop")
	}
}

// Close releases stores and the remote connection.
func (a *Agent) Close() error {
	rerr := a.remote.Close()
	serr := a.store.Close()
	if rerr != nil {
		return rerr
	}
	return serr
}

// TriggerCollection runs one collection cycle now. A cycle already in
// flight makes this a no-op.
func (a *Agent) TriggerCollection(ctx context.Context) {
	a.runCollection(ctx)
}

// TriggerUpload runs one upload pass now; no-op if one is running.
func (a *Agent) TriggerUpload(ctx context.Context) upload.Status {
	return a.uploader.TriggerUpload(ctx)
}

// TriggerReconciliation runs one reconciliation now; no-op if one is
// running.
func (a *Agent) TriggerReconciliation(ctx context.Context) {
	a.runReconciliation(ctx)
}

func (a *Agent) runCollection(ctx context.Context) {
	if !a.collectMu.TryLock() {
		a.log.Debug("collection cycle already running")
		return
	}
	defer a.collectMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if _, err := a.collector.Run(ctx); err != nil {
		a.log.Error("collection cycle failed", zap.Error(err))
	}
}

func (a *Agent) runReconciliation(ctx context.Context) {
	if !a.reconcileMu.TryLock() {
		a.log.Debug("reconciliation already running")
		return
	}
	defer a.reconcileMu.Unlock()
	if ctx.Err() != nil {
		return
	}

	res, err := a.syncer.SyncAll(ctx, a.cfg.Remote.TenantID)
	if err != nil {
		a.log.Error("reconciliation failed", zap.Error(err))
		return
	}
	if res.APIKey != "" {
		a.creds.Set(res.APIKey)
		a.log.Info("access key rotated by reconciliation")
	}
	if res.Changed {
		if err := a.cache.Reload(ctx); err == nil {
			a.log.Info("configuration cache reloaded after reconciliation")
		}
	}
	cutoff := time.Now().Add(-a.cfg.Reconcile.LogRetention)
	if n, err := a.store.PruneSyncLogs(ctx, cutoff); err != nil {
		a.log.Error("prune sync logs", zap.Error(err))
	} else if n > 0 {
		a.log.Debug("pruned sync logs", zap.Int64("rows", n))
	}
}

// applyTenant pushes the mirrored tenant's upload endpoint and credential
// into the upload path.
func (a *Agent) applyTenant(ctx context.Context) {
	t, err := a.store.Tenant(ctx, a.cfg.Remote.TenantID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			a.log.Error("load mirrored tenant", zap.Error(err))
		}
		return
	}
	a.creds.Set(t.ApiKey)
	a.uploader.SetUploadURL(t.UploadURL)
	a.monitor.SetBaseURL(t.UploadURL)
}

// Status implements the status query of the control surface.
func (a *Agent) Status(ctx context.Context) Status {
	st := Status{
		Connectivity: a.monitor.State().String(),
		Upload:       a.uploader.Status(ctx),
	}
	if e, err := a.store.LastSyncLog(ctx, model.CycleCollect); err == nil {
		st.LastCollect = e
	}
	if e, err := a.store.LastSyncLog(ctx, model.CycleUpload); err == nil {
		st.LastUpload = e
	}
	if e, err := a.store.LastSyncLog(ctx, model.CycleReconcile); err == nil {
		st.LastReconcile = e
	}
	return st
}
