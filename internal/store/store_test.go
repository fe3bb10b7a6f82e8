package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/reconciler"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dsn := "file:catalog_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	cat, err := NewCatalog(db)
	require.NoError(t, err)
	return cat
}

func light(id, name string) model.Device {
	return model.NewDevice("H6008", id, name, "devices.types.light", []model.Capability{
		{Type: model.TypeOnOff, Instance: model.PowerSwitch},
		{Type: model.TypeRange, Instance: model.Brightness, Range: &model.Range{Min: 1, Max: 100}},
	})
}

func TestCatalogSyncKeepsDiscoveryOrder(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, cat.SyncDevices(ctx, []model.Device{light("ZZ", "Desk"), light("AA", "Hall")}))
	got, err := cat.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "ZZ", got[0].ID)
	assert.Equal(t, "AA", got[1].ID)

	c, ok := got[0].Capability(model.Brightness)
	require.True(t, ok)
	require.NotNil(t, c.Range)
	assert.Equal(t, 100, c.Range.Max)
}

func TestCatalogSyncUpdatesAndPrunes(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cat.now = func() time.Time { return first }

	require.NoError(t, cat.SyncDevices(ctx, []model.Device{light("A", "Old"), light("B", "Gone")}))
	cat.now = func() time.Time { return first.Add(time.Hour) }
	require.NoError(t, cat.SyncDevices(ctx, []model.Device{light("A", "Renamed")}))

	got, err := cat.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Renamed", got[0].Name)

	var rec DeviceRecord
	require.NoError(t, cat.db.First(&rec, "device_id = ?", "A").Error)
	assert.True(t, rec.LastSeen.Equal(first.Add(time.Hour)))
}

func TestCatalogSyncEmptyClears(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	require.NoError(t, cat.SyncDevices(ctx, []model.Device{light("A", "")}))
	require.NoError(t, cat.SyncDevices(ctx, nil))
	got, err := cat.ListDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	assert.ErrorContains(t, err, "unsupported catalog driver")
}

func TestStateCacheApplyIgnoresWriteFailures(t *testing.T) {
	// Unreachable address: any real redis round trip would fail.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	c := NewStateCache(rdb)

	assert.NoError(t, c.Apply(context.Background(), reconciler.Event{Type: reconciler.EventWriteFailed, DeviceID: "A"}))
	assert.Error(t, c.Apply(context.Background(), reconciler.Event{Type: reconciler.EventStateChanged, DeviceID: "A"}))
}

func TestStateCacheMirrorStopsOnClose(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	c := NewStateCache(rdb)

	events := make(chan reconciler.Event, 1)
	events <- reconciler.Event{Type: reconciler.EventStateChanged, DeviceID: "A"}
	close(events)

	done := make(chan struct{})
	go func() {
		c.Mirror(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror did not return after channel close")
	}
}

func TestStateKey(t *testing.T) {
	assert.Equal(t, "govee:state:AB12", stateKey("AB12"))
}
