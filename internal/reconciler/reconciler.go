package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/cloud"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
	apperrors "github.com/PetoAdam/homenavi/govee-adapter/pkg/errors"
)

const (
	DefaultProtection = 3000 * time.Millisecond
	DefaultDebounce   = 300 * time.Millisecond
)

// Writer is the command surface local writes go through.
type Writer interface {
	TogglePower(ctx context.Context, dev model.Device, on bool) (cloud.Ack, error)
	SetBrightness(ctx context.Context, dev model.Device, pct float64) (cloud.Ack, error)
	SetColor(ctx context.Context, dev model.Device, rgb model.RGB) (cloud.Ack, error)
	SetColorTemperature(ctx context.Context, dev model.Device, kelvin int) (cloud.Ack, error)
}

type window struct {
	expires time.Time
}

type entry struct {
	mu     sync.Mutex
	device model.Device
	snap   model.Snapshot

	windows map[model.Instance]window
	// latest is the token of the newest local write per instance; a failed
	// write only rolls back if it is still the newest.
	latest map[model.Instance]uint64
	seq    uint64

	drag *dragState
	// lastSent is the last brightness value actually written.
	lastSent    int
	hasLastSent bool

	// version orders this device's events; it only ever grows.
	version uint64

	// Network writes per instance go out in ticket order.
	tickets map[model.Instance]uint64
	serving map[model.Instance]uint64
	turn    *sync.Cond
}

func newEntry(d model.Device) *entry {
	e := &entry{
		device:  d,
		snap:    model.Snapshot{SKU: d.SKU, DeviceID: d.ID},
		windows: map[model.Instance]window{},
		latest:  map[model.Instance]uint64{},
		tickets: map[model.Instance]uint64{},
		serving: map[model.Instance]uint64{},
	}
	e.turn = sync.NewCond(&e.mu)
	return e
}

// publishLocked stamps ev with the next device version and fans it out.
// Callers hold e.mu, so subscribers see one device's events in commit order.
func (r *Reconciler) publishLocked(e *entry, ev Event) {
	e.version++
	ev.Seq = e.version
	r.hub.publish(ev)
}

// takeTicketLocked reserves the next network write slot for inst.
func (e *entry) takeTicketLocked(inst model.Instance) uint64 {
	t := e.tickets[inst]
	e.tickets[inst] = t + 1
	return t
}

// awaitTurn blocks until every earlier write for inst has finished.
func (e *entry) awaitTurn(inst model.Instance, ticket uint64) {
	e.mu.Lock()
	for e.serving[inst] != ticket {
		e.turn.Wait()
	}
	e.mu.Unlock()
}

func (e *entry) finishTurn(inst model.Instance) {
	e.mu.Lock()
	e.serving[inst]++
	e.mu.Unlock()
	e.turn.Broadcast()
}

type dragState struct {
	value    int
	prior    model.CapabilityState
	hadPrior bool
	timer    *time.Timer
	gen      uint64
}

// Reconciler is the single owner of per-device state. Polls, push events and
// local writes all converge here.
type Reconciler struct {
	writer     Writer
	now        func() time.Time
	protection time.Duration
	debounce   time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	hub *eventHub
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func WithProtection(d time.Duration) Option { return func(r *Reconciler) { r.protection = d } }

func WithDebounce(d time.Duration) Option { return func(r *Reconciler) { r.debounce = d } }

func New(w Writer, opts ...Option) *Reconciler {
	r := &Reconciler{
		writer:     w,
		now:        time.Now,
		protection: DefaultProtection,
		debounce:   DefaultDebounce,
		entries:    map[string]*entry{},
		hub:        newEventHub(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Subscribe streams state change events. The returned func unsubscribes.
func (r *Reconciler) Subscribe() (<-chan Event, func()) {
	return r.hub.subscribe()
}

// Current returns one state_changed event per known device, in discovery
// order, carrying the version of the last event published for it.
func (r *Reconciler) Current() []Event {
	r.mu.RLock()
	list := make([]*entry, 0, len(r.order))
	for _, key := range r.order {
		list = append(list, r.entries[key])
	}
	r.mu.RUnlock()

	out := make([]Event, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		out = append(out, Event{
			Type:     EventStateChanged,
			DeviceID: e.device.ID,
			Snapshot: e.snap.Clone(),
			Seq:      e.version,
		})
		e.mu.Unlock()
	}
	return out
}

func (r *Reconciler) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[model.NormalizeID(id)]
	return e, ok
}

// ReplaceDevices installs a fresh device set. Known devices keep their
// snapshot; devices no longer listed are evicted.
func (r *Reconciler) ReplaceDevices(devs []model.Device) (added, removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*entry, len(devs))
	order := make([]string, 0, len(devs))
	for _, d := range devs {
		key := model.NormalizeID(d.ID)
		if key == "" {
			continue
		}
		if _, dup := next[key]; dup {
			continue
		}
		if e, ok := r.entries[key]; ok {
			e.mu.Lock()
			e.device = d
			e.mu.Unlock()
			next[key] = e
		} else {
			e := newEntry(d)
			next[key] = e
			added++
			r.publishLocked(e, Event{Type: EventDeviceAdded, DeviceID: d.ID, Source: SourceDiscovery, Snapshot: e.snap})
		}
		order = append(order, key)
	}
	for key, e := range r.entries {
		if _, keep := next[key]; keep {
			continue
		}
		e.mu.Lock()
		if e.drag != nil && e.drag.timer != nil {
			e.drag.timer.Stop()
		}
		e.drag = nil
		r.publishLocked(e, Event{Type: EventDeviceRemoved, DeviceID: e.device.ID, Source: SourceDiscovery})
		e.mu.Unlock()
		removed++
	}
	r.entries = next
	r.order = order
	return added, removed
}

// Devices returns the known devices in discovery order.
func (r *Reconciler) Devices() []model.Device {
	r.mu.RLock()
	list := make([]*entry, 0, len(r.order))
	for _, key := range r.order {
		list = append(list, r.entries[key])
	}
	r.mu.RUnlock()

	out := make([]model.Device, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		out = append(out, e.device)
		e.mu.Unlock()
	}
	return out
}

func (r *Reconciler) Device(id string) (model.Device, error) {
	e, ok := r.lookup(id)
	if !ok {
		return model.Device{}, apperrors.ErrUnknownDevice
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device, nil
}

func (r *Reconciler) State(id string) (model.Snapshot, error) {
	e, ok := r.lookup(id)
	if !ok {
		return model.Snapshot{}, apperrors.ErrUnknownDevice
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.Clone(), nil
}

// Power reports the observable power state; ok is false when unknown.
func (r *Reconciler) Power(id string) (on bool, ok bool) {
	snap, err := r.State(id)
	if err != nil {
		return false, false
	}
	return snap.Power()
}

func (r *Reconciler) Brightness(id string) (int, bool) {
	snap, err := r.State(id)
	if err != nil {
		return 0, false
	}
	return snap.Brightness()
}

// protectedLocked reports whether inst has an open window, pruning it once expired.
func (r *Reconciler) protectedLocked(e *entry, inst model.Instance, now time.Time) bool {
	w, ok := e.windows[inst]
	if !ok {
		return false
	}
	if now.Before(w.expires) {
		return true
	}
	delete(e.windows, inst)
	return false
}

// Protected reports whether a local write currently shields (id, inst) from
// incoming reads.
func (r *Reconciler) Protected(id string, inst model.Instance) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.protectedLocked(e, inst, r.now())
}

// MergePoll replaces the device snapshot with a polled one. Protected
// instances keep their local value. Unknown devices are ignored.
func (r *Reconciler) MergePoll(id string, incoming model.Snapshot) bool {
	e, ok := r.lookup(id)
	if !ok {
		slog.Debug("poll result for unknown device ignored", "device", id)
		return false
	}
	now := r.now()

	e.mu.Lock()
	next := model.Snapshot{SKU: e.device.SKU, DeviceID: e.device.ID}
	if incoming.SKU != "" {
		next.SKU = incoming.SKU
	}
	for _, st := range incoming.Capabilities {
		if r.protectedLocked(e, st.Instance, now) {
			if local, ok := e.snap.Get(st.Instance); ok {
				next = next.With(local)
				continue
			}
		}
		next = next.With(st)
		r.noteAppliedLocked(e, st)
	}
	for inst := range e.windows {
		if next.Has(inst) || !r.protectedLocked(e, inst, now) {
			continue
		}
		if local, ok := e.snap.Get(inst); ok {
			next = next.With(local)
		}
	}
	changed := !next.Equal(e.snap)
	if changed {
		e.snap = next
		r.publishLocked(e, Event{Type: EventStateChanged, DeviceID: next.DeviceID, Source: SourcePoll, Snapshot: next})
	}
	e.mu.Unlock()
	return changed
}

// MergePush applies only the capabilities present in a push event, with the
// same protection rule as MergePoll.
func (r *Reconciler) MergePush(id string, states []model.CapabilityState) bool {
	e, ok := r.lookup(id)
	if !ok {
		slog.Debug("push for unknown device ignored", "device", id)
		return false
	}
	now := r.now()

	e.mu.Lock()
	next := e.snap
	for _, st := range states {
		if !st.Value.IsSet() || r.protectedLocked(e, st.Instance, now) {
			continue
		}
		next = next.With(st)
		r.noteAppliedLocked(e, st)
	}
	changed := !next.Equal(e.snap)
	if changed {
		e.snap = next
		r.publishLocked(e, Event{Type: EventStateChanged, DeviceID: next.DeviceID, Source: SourcePush, Snapshot: next})
	}
	e.mu.Unlock()
	return changed
}

// noteAppliedLocked forgets the last sent brightness once the device reports
// a different one, so writing that value again is not skipped.
func (r *Reconciler) noteAppliedLocked(e *entry, st model.CapabilityState) {
	if st.Instance != model.Brightness || !e.hasLastSent {
		return
	}
	if v, ok := st.Value.Int(); !ok || v != e.lastSent {
		e.hasLastSent = false
	}
}

// openLocked opens a protection window for inst and applies the optimistic
// value. It returns the write token.
func (r *Reconciler) openLocked(e *entry, st model.CapabilityState) uint64 {
	e.seq++
	e.latest[st.Instance] = e.seq
	e.windows[st.Instance] = window{expires: r.now().Add(r.protection)}
	e.snap = e.snap.With(st)
	return e.seq
}

// rollback restores inst to its pre-write value unless a newer write has
// superseded token.
func (r *Reconciler) rollback(e *entry, inst model.Instance, token uint64, prior model.CapabilityState, hadPrior bool, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rolled := false
	if e.latest[inst] == token {
		delete(e.windows, inst)
		if hadPrior {
			e.snap = e.snap.With(prior)
		} else {
			e.snap = e.snap.Without(inst)
		}
		rolled = true
	}
	snap := e.snap

	slog.Warn("govee write failed", "device", snap.DeviceID, "instance", inst, "rolled_back", rolled, "error", cause)
	if rolled {
		r.publishLocked(e, Event{Type: EventStateChanged, DeviceID: snap.DeviceID, Source: SourceRollback, Snapshot: snap})
	}
	r.publishLocked(e, Event{Type: EventWriteFailed, DeviceID: snap.DeviceID, Source: SourceLocal, Snapshot: snap, Error: cause.Error()})
}

// write runs the local write protocol: open window, apply optimistically,
// send outside the lock, roll back on failure. Sends for one instance reach
// the vendor in the order the writes were applied.
func (r *Reconciler) write(ctx context.Context, id string, st model.CapabilityState, send func(context.Context, model.Device) error) error {
	e, ok := r.lookup(id)
	if !ok {
		return apperrors.ErrUnknownDevice
	}
	e.mu.Lock()
	dev := e.device
	if !dev.Supports(st.Instance) {
		e.mu.Unlock()
		return apperrors.ErrUnsupported
	}
	prior, hadPrior := e.snap.Get(st.Instance)
	token := r.openLocked(e, st)
	r.publishLocked(e, Event{Type: EventStateChanged, DeviceID: dev.ID, Source: SourceLocal, Snapshot: e.snap})
	ticket := e.takeTicketLocked(st.Instance)
	e.mu.Unlock()

	e.awaitTurn(st.Instance, ticket)
	err := send(ctx, dev)
	e.finishTurn(st.Instance)
	if err != nil {
		r.rollback(e, st.Instance, token, prior, hadPrior, err)
		return err
	}
	return nil
}

// SetPower toggles a device.
func (r *Reconciler) SetPower(ctx context.Context, id string, on bool) error {
	st := model.CapabilityState{Type: model.TypeOnOff, Instance: model.PowerSwitch, Value: model.BoolValue(on)}
	return r.write(ctx, id, st, func(ctx context.Context, dev model.Device) error {
		_, err := r.writer.TogglePower(ctx, dev, on)
		return err
	})
}

// SetColor writes an RGB colour.
func (r *Reconciler) SetColor(ctx context.Context, id string, rgb model.RGB) error {
	st := model.CapabilityState{Type: model.TypeColorSetting, Instance: model.ColorRGB, Value: model.IntValue(rgb.Packed())}
	return r.write(ctx, id, st, func(ctx context.Context, dev model.Device) error {
		_, err := r.writer.SetColor(ctx, dev, rgb)
		return err
	})
}

// SetColorTemperature writes a white colour temperature in kelvin.
func (r *Reconciler) SetColorTemperature(ctx context.Context, id string, kelvin int) error {
	dev, err := r.Device(id)
	if err != nil {
		return err
	}
	if c, ok := dev.Capability(model.ColorTemperature); ok && c.Range != nil {
		kelvin = c.Range.Clamp(kelvin)
	}
	st := model.CapabilityState{Type: model.TypeColorSetting, Instance: model.ColorTemperature, Value: model.IntValue(kelvin)}
	return r.write(ctx, id, st, func(ctx context.Context, dev model.Device) error {
		_, err := r.writer.SetColorTemperature(ctx, dev, kelvin)
		return err
	})
}

// SetBrightness writes brightness immediately. It is CommitBrightness.
func (r *Reconciler) SetBrightness(ctx context.Context, id string, pct float64) error {
	return r.CommitBrightness(ctx, id, pct)
}

// DragBrightness records an intermediate slider value. The display updates
// at once; the write fires after the debounce delay without further changes.
func (r *Reconciler) DragBrightness(id string, pct float64) error {
	_, err := r.stageBrightness(id, pct, true)
	return err
}

// CommitBrightness records the final slider value and writes it now. The
// write is skipped when the value equals the last one sent.
func (r *Reconciler) CommitBrightness(ctx context.Context, id string, pct float64) error {
	e, err := r.stageBrightness(id, pct, false)
	if err != nil {
		return err
	}
	return r.flushBrightness(ctx, e, 0)
}

func (r *Reconciler) stageBrightness(id string, pct float64, arm bool) (*entry, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, apperrors.ErrUnknownDevice
	}
	v := cloud.ClampBrightness(pct)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.device.Supports(model.Brightness) {
		return nil, apperrors.ErrUnsupported
	}
	if e.drag == nil {
		prior, hadPrior := e.snap.Get(model.Brightness)
		e.drag = &dragState{prior: prior, hadPrior: hadPrior}
	}
	e.drag.value = v
	r.openLocked(e, model.CapabilityState{Type: model.TypeRange, Instance: model.Brightness, Value: model.IntValue(v)})
	r.publishLocked(e, Event{Type: EventStateChanged, DeviceID: e.device.ID, Source: SourceLocal, Snapshot: e.snap})
	if e.drag.timer != nil {
		e.drag.timer.Stop()
		e.drag.timer = nil
	}
	if arm {
		e.drag.gen++
		gen := e.drag.gen
		e.drag.timer = time.AfterFunc(r.debounce, func() {
			if err := r.flushBrightness(context.Background(), e, gen); err != nil {
				slog.Warn("debounced brightness write failed", "device", id, "error", err)
			}
		})
	}
	return e, nil
}

// flushBrightness writes the pending drag value. A non-zero gen restricts the
// flush to the timer armed with that generation.
func (r *Reconciler) flushBrightness(ctx context.Context, e *entry, gen uint64) error {
	e.mu.Lock()
	d := e.drag
	if d == nil || (gen != 0 && d.gen != gen) {
		e.mu.Unlock()
		return nil
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	e.drag = nil
	if e.hasLastSent && e.lastSent == d.value {
		e.mu.Unlock()
		return nil
	}
	e.lastSent, e.hasLastSent = d.value, true
	token := e.latest[model.Brightness]
	dev := e.device
	ticket := e.takeTicketLocked(model.Brightness)
	e.mu.Unlock()

	e.awaitTurn(model.Brightness, ticket)
	_, err := r.writer.SetBrightness(ctx, dev, float64(d.value))
	e.finishTurn(model.Brightness)
	if err != nil {
		e.mu.Lock()
		if e.lastSent == d.value {
			e.hasLastSent = false
		}
		e.mu.Unlock()
		r.rollback(e, model.Brightness, token, d.prior, d.hadPrior, err)
		return err
	}
	return nil
}
