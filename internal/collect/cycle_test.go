package collect

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"edgesync/internal/buffer"
	"edgesync/internal/config"
	"edgesync/internal/db"
	"edgesync/internal/model"
	"edgesync/internal/protocol"
	"edgesync/internal/registry"
)

const testTenant = "tenant-1"

// fakeConn serves canned values per address. Addresses absent from values
// fail with failErr on single reads and are omitted from batch replies.
type fakeConn struct {
	values    map[int]float64
	batchErr  error  // returned by ReadBatch when set
	failErr   error
	onBatch   func() // called on every batch read
	batchCnt  int
	singleCnt int
	closed    bool
}

func (f *fakeConn) ReadOne(_ context.Context, addr int) (float64, error) {
	f.singleCnt++
	v, ok := f.values[addr]
	if !ok {
		if f.failErr != nil {
			return 0, f.failErr
		}
		return 0, fmt.Errorf("%w: no value", protocol.ErrValue)
	}
	return v, nil
}

func (f *fakeConn) ReadBatch(_ context.Context, addrs []int) (map[int]float64, error) {
	f.batchCnt++
	if f.onBatch != nil {
		f.onBatch()
	}
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make(map[int]float64)
	for _, a := range addrs {
		if v, ok := f.values[a]; ok {
			out[a] = v
		}
	}
	return out, nil
}

func (f *fakeConn) SetTimeout(time.Duration) {}
func (f *fakeConn) Close() error             { f.closed = true; return nil }

type fakeDialer struct {
	conns   map[string]*fakeConn // by host
	dialErr map[string]error
	dials   int
}

func (d *fakeDialer) dial(cfg protocol.Config) (protocol.Conn, error) {
	d.dials++
	if err := d.dialErr[cfg.Host]; err != nil {
		return nil, err
	}
	c, ok := d.conns[cfg.Host]
	if !ok {
		return nil, fmt.Errorf("%w: no such meter", protocol.ErrUnreachable)
	}
	return c, nil
}

func collectConfig() config.CollectConfig {
	yes := true
	return config.CollectConfig{
		Interval:           time.Minute,
		ReadTimeout:        time.Second,
		BatchTimeout:       time.Second,
		FallbackTimeout:    time.Second,
		DeviceBackoff:      5 * time.Minute,
		FlushBatchSize:     100,
		AdaptiveBatching:   &yes,
		SequentialFallback: &yes,
	}
}

func newTestSetup(t *testing.T) (*db.Store, *registry.Cache) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "collect_test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.UpsertMeter(ctx, &model.Meter{
		ID: 1, TenantID: testTenant, Name: "main", Host: "meter-1", Port: 502, UnitID: 1, Element: "C", Enabled: true,
	}))
	require.NoError(t, store.UpsertRegister(ctx, &model.Register{
		ID: 10, TenantID: testTenant, Number: 1100, FieldName: "active_power", Unit: "kW",
	}))
	require.NoError(t, store.UpsertRegister(ctx, &model.Register{
		ID: 11, TenantID: testTenant, Number: 1200, FieldName: "voltage", Unit: "V",
	}))
	require.NoError(t, store.UpsertMeterRegister(ctx, &model.MeterRegister{MeterID: 1, RegisterID: 10, TenantID: testTenant}))
	require.NoError(t, store.UpsertMeterRegister(ctx, &model.MeterRegister{MeterID: 1, RegisterID: 11, TenantID: testTenant}))

	cache := registry.New(store, testTenant, zap.NewNop())
	require.NoError(t, cache.Initialize(ctx))
	return store, cache
}

func TestCycleStoresReadingsWithCachedFieldNames(t *testing.T) {
	store, cache := newTestSetup(t)
	// element C: base 1100 -> 21100, base 1200 -> 21200
	conn := &fakeConn{values: map[int]float64{21100: 47.2, 21200: 230.1}}
	dialer := &fakeDialer{conns: map[string]*fakeConn{"meter-1": conn}}

	batcher := buffer.New(store, 100, zap.NewNop())
	m := New(cache, batcher, store, dialer.dial, collectConfig(), zap.NewNop())

	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.MetersProcessed)
	require.Equal(t, 2, stats.Readings)
	require.True(t, conn.closed)

	rows, err := store.FetchUnsynced(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byField := map[string]float64{}
	for _, r := range rows {
		require.EqualValues(t, 1, r.MeterID)
		require.False(t, r.Synchronized)
		byField[r.FieldName] = r.Value
	}
	require.InDelta(t, 47.2, byField["active_power"], 0.001)
	require.InDelta(t, 230.1, byField["voltage"], 0.001)
}

func TestCycleSkipsInvalidValuesWithoutFailing(t *testing.T) {
	store, cache := newTestSetup(t)
	// only one of the two registers yields a valid value; the other must be
	// skipped, never stored as zero
	conn := &fakeConn{values: map[int]float64{21100: 47.2}}
	dialer := &fakeDialer{conns: map[string]*fakeConn{"meter-1": conn}}

	batcher := buffer.New(store, 100, zap.NewNop())
	m := New(cache, batcher, store, dialer.dial, collectConfig(), zap.NewNop())

	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Readings)

	rows, err := store.FetchUnsynced(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "active_power", rows[0].FieldName)
}

func TestUnreachableMeterEntersBackoffAndRecovers(t *testing.T) {
	store, cache := newTestSetup(t)
	dialer := &fakeDialer{
		conns:   map[string]*fakeConn{},
		dialErr: map[string]error{"meter-1": fmt.Errorf("%w: connection refused", protocol.ErrUnreachable)},
	}
	batcher := buffer.New(store, 100, zap.NewNop())
	m := New(cache, batcher, store, dialer.dial, collectConfig(), zap.NewNop())

	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Errors)
	require.Equal(t, 0, stats.MetersProcessed)
	require.Equal(t, 1, dialer.dials)

	// next cycle: still in backoff, the meter is not dialled again
	stats, err = m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.MetersSkipped)
	require.Equal(t, 1, dialer.dials)

	// device comes back: expire the backoff and verify the next cycle reads
	m.backoff.Clear(1)
	delete(dialer.dialErr, "meter-1")
	dialer.conns["meter-1"] = &fakeConn{values: map[int]float64{21100: 1.0, 21200: 2.0}}

	stats, err = m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.MetersProcessed)
	require.Equal(t, 2, stats.Readings)
	require.False(t, m.backoff.InBackoff(1))
}

func TestBatchFailureFallsBackToSequentialReads(t *testing.T) {
	store, cache := newTestSetup(t)
	conn := &fakeConn{
		values:   map[int]float64{21100: 5.5, 21200: 6.6},
		batchErr: fmt.Errorf("%w: address 21100", protocol.ErrTimeout),
	}
	dialer := &fakeDialer{conns: map[string]*fakeConn{"meter-1": conn}}

	batcher := buffer.New(store, 100, zap.NewNop())
	m := New(cache, batcher, store, dialer.dial, collectConfig(), zap.NewNop())

	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Readings)
	// adaptive halving first, then one-at-a-time reads
	require.Greater(t, conn.batchCnt, 1)
	require.Equal(t, 2, conn.singleCnt)
}

func TestDisabledTogglesReturnBatchError(t *testing.T) {
	store, cache := newTestSetup(t)
	no := false
	cfg := collectConfig()
	cfg.AdaptiveBatching = &no
	cfg.SequentialFallback = &no

	conn := &fakeConn{
		values:   map[int]float64{21100: 5.5},
		batchErr: fmt.Errorf("%w: address 21100", protocol.ErrTimeout),
	}
	dialer := &fakeDialer{conns: map[string]*fakeConn{"meter-1": conn}}

	batcher := buffer.New(store, 100, zap.NewNop())
	m := New(cache, batcher, store, dialer.dial, cfg, zap.NewNop())

	stats, err := m.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, conn.batchCnt)
	require.Zero(t, conn.singleCnt)
	require.Equal(t, 1, stats.Errors)
	require.Zero(t, stats.Readings)
	// timeout with nothing read puts the meter into backoff
	require.True(t, m.backoff.InBackoff(1))
}

func TestCycleAppendsSyncLog(t *testing.T) {
	store, cache := newTestSetup(t)
	conn := &fakeConn{values: map[int]float64{21100: 1, 21200: 2}}
	dialer := &fakeDialer{conns: map[string]*fakeConn{"meter-1": conn}}

	batcher := buffer.New(store, 100, zap.NewNop())
	m := New(cache, batcher, store, dialer.dial, collectConfig(), zap.NewNop())
	_, err := m.Run(context.Background())
	require.NoError(t, err)

	entry, err := store.LastSyncLog(context.Background(), model.CycleCollect)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.True(t, entry.Success)
	require.Equal(t, 2, entry.Count)
	require.NotEmpty(t, entry.CycleID)
}

func TestShutdownMidCycleStillStoresReadings(t *testing.T) {
	store, cache := newTestSetup(t)

	// cancel the run context while the meter read is in flight; the values
	// already collected must still reach the database
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := &fakeConn{values: map[int]float64{21100: 47.2, 21200: 230.1}, onBatch: cancel}
	dialer := &fakeDialer{conns: map[string]*fakeConn{"meter-1": conn}}

	batcher := buffer.New(store, 100, zap.NewNop())
	m := New(cache, batcher, store, dialer.dial, collectConfig(), zap.NewNop())

	stats, err := m.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Readings)

	rows, err := store.FetchUnsynced(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	entry, err := store.LastSyncLog(context.Background(), model.CycleCollect)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.True(t, entry.Success)
}

func TestBackoffLedgerExpiry(t *testing.T) {
	l := newBackoffLedger(20 * time.Millisecond)
	l.Mark(7)
	require.True(t, l.InBackoff(7))
	time.Sleep(30 * time.Millisecond)
	require.False(t, l.InBackoff(7))

	l.Mark(8)
	l.Clear(8)
	require.False(t, l.InBackoff(8))
}
