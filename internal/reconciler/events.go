package reconciler

import (
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
)

type EventType string

const (
	EventStateChanged  EventType = "state_changed"
	EventDeviceAdded   EventType = "device_added"
	EventDeviceRemoved EventType = "device_removed"
	EventWriteFailed   EventType = "write_failed"
)

// Sources of a state change.
const (
	SourcePoll      = "poll"
	SourcePush      = "push"
	SourceLocal     = "local"
	SourceRollback  = "rollback"
	SourceDiscovery = "discovery"
)

// Event is streamed to subscribers whenever a device's observable state changes.
type Event struct {
	Type         EventType      `json:"type"`
	DeviceID     string         `json:"device"`
	Source       string         `json:"source,omitempty"`
	Snapshot     model.Snapshot `json:"snapshot"`
	Error        string         `json:"error,omitempty"`
	// Seq increases with every event published for DeviceID.
	Seq          uint64         `json:"seq"`
	TSUnixMillis int64          `json:"ts"`
}

// eventHub fans events out to subscribers without ever blocking the
// reconciler. A subscriber whose buffer is full misses the event.
type eventHub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: map[chan Event]struct{}{}}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *eventHub) publish(evt Event) {
	if evt.TSUnixMillis == 0 {
		evt.TSUnixMillis = time.Now().UTC().UnixMilli()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow.
		}
	}
}
