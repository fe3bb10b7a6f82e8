package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/reconciler"
)

func dial(t *testing.T, h *Hub, query string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) reconciler.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev reconciler.Event
	require.NoError(t, json.Unmarshal(b, &ev))
	return ev
}

func stateEvent(id string, on bool) reconciler.Event {
	return reconciler.Event{
		Type:     reconciler.EventStateChanged,
		DeviceID: id,
		Source:   reconciler.SourcePush,
		Snapshot: model.Snapshot{DeviceID: id, Capabilities: []model.CapabilityState{
			{Type: model.TypeOnOff, Instance: model.PowerSwitch, Value: model.BoolValue(on)},
		}},
	}
}

func TestHubSeedsThenStreams(t *testing.T) {
	h := NewHub(func() []reconciler.Event { return []reconciler.Event{stateEvent("AA", false)} })
	conn := dial(t, h, "")

	seed := readEvent(t, conn)
	assert.Equal(t, "AA", seed.DeviceID)
	on, ok := seed.Snapshot.Power()
	assert.True(t, ok)
	assert.False(t, on)

	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 10*time.Millisecond)
	h.Broadcast(stateEvent("AA", true))
	live := readEvent(t, conn)
	on, _ = live.Snapshot.Power()
	assert.True(t, on)
	assert.Equal(t, reconciler.SourcePush, live.Source)
}

func TestHubFiltersByDevice(t *testing.T) {
	h := NewHub(nil)
	conn := dial(t, h, "?device=aa:bb")
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 10*time.Millisecond)

	h.Broadcast(stateEvent("CCDD", true))
	h.Broadcast(stateEvent("AABB", true))

	ev := readEvent(t, conn)
	assert.Equal(t, "AABB", ev.DeviceID)
}

func TestHubDropsClientOnClose(t *testing.T) {
	h := NewHub(nil)
	conn := dial(t, h, "")
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 10*time.Millisecond)

	_ = conn.Close()
	require.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubDropsEventsOlderThanSeed(t *testing.T) {
	seed := stateEvent("AA", true)
	seed.Seq = 5
	h := NewHub(func() []reconciler.Event { return []reconciler.Event{seed} })
	conn := dial(t, h, "")

	got := readEvent(t, conn)
	assert.Equal(t, uint64(5), got.Seq)
	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 10*time.Millisecond)

	stale := stateEvent("AA", false)
	stale.Seq = 4
	h.Broadcast(stale)
	newer := stateEvent("AA", false)
	newer.Seq = 6
	h.Broadcast(newer)

	got = readEvent(t, conn)
	assert.Equal(t, uint64(6), got.Seq)

	removed := reconciler.Event{Type: reconciler.EventDeviceRemoved, DeviceID: "AA", Seq: 7}
	h.Broadcast(removed)
	assert.Equal(t, reconciler.EventDeviceRemoved, readEvent(t, conn).Type)

	readded := reconciler.Event{Type: reconciler.EventDeviceAdded, DeviceID: "AA", Seq: 1}
	h.Broadcast(readded)
	assert.Equal(t, reconciler.EventDeviceAdded, readEvent(t, conn).Type, "a re-added device starts a new sequence")
}
