package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/observability"
)

const DefaultInterval = 5000 * time.Millisecond

// Source is the vendor side of discovery and polling.
type Source interface {
	ListDevices(ctx context.Context) ([]model.Device, error)
	FetchState(ctx context.Context, dev model.Device) (model.Snapshot, error)
}

// Target is where discovered devices and polled snapshots go.
type Target interface {
	ReplaceDevices(devs []model.Device) (added, removed int)
	Devices() []model.Device
	MergePoll(id string, snap model.Snapshot) bool
}

// Catalog persists device identity between restarts.
type Catalog interface {
	SyncDevices(ctx context.Context, devs []model.Device) error
	ListDevices(ctx context.Context) ([]model.Device, error)
}

// RefreshReport summarises one pass over all devices.
type RefreshReport struct {
	Devices  int           `json:"devices"`
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

type Poller struct {
	source   Source
	target   Target
	catalog  Catalog
	interval time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	lastRun RefreshReport
}

type Option func(*Poller)

func WithCatalog(c Catalog) Option { return func(p *Poller) { p.catalog = c } }

func WithInterval(d time.Duration) Option { return func(p *Poller) { p.interval = d } }

func New(source Source, target Target, opts ...Option) *Poller {
	p := &Poller{source: source, target: target, interval: DefaultInterval}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Discover lists devices and replaces the known set, evicting devices no
// longer listed. The catalog is synced best effort.
func (p *Poller) Discover(ctx context.Context) ([]model.Device, error) {
	devs, err := p.source.ListDevices(ctx)
	if err != nil {
		slog.Error("govee discovery failed", "error", err)
		return nil, err
	}
	added, removed := p.target.ReplaceDevices(devs)
	slog.Info("govee discovery complete", "devices", len(devs), "added", added, "removed", removed)
	if p.catalog != nil {
		if err := p.catalog.SyncDevices(ctx, devs); err != nil {
			slog.Warn("device catalog sync failed", "error", err)
		}
	}
	return devs, nil
}

// RefreshAll fetches state for every known device sequentially. A failing
// device is logged and skipped; it never aborts the batch.
func (p *Poller) RefreshAll(ctx context.Context) RefreshReport {
	start := time.Now()
	devs := p.target.Devices()
	rep := RefreshReport{Devices: len(devs)}
	for _, d := range devs {
		if ctx.Err() != nil {
			break
		}
		snap, err := p.source.FetchState(ctx, d)
		if err != nil {
			rep.Failed++
			slog.Warn("govee state fetch failed", "device", d.ID, "sku", d.SKU, "error", err)
			continue
		}
		if p.target.MergePoll(d.ID, snap) {
			rep.Updated++
		}
	}
	rep.Duration = time.Since(start)
	observability.ObservePoll(rep.Duration, rep.Failed)
	slog.Debug("govee refresh complete", "devices", rep.Devices, "updated", rep.Updated, "failed", rep.Failed, "duration", rep.Duration)

	p.mu.Lock()
	p.lastRun = rep
	p.mu.Unlock()
	return rep
}

func (p *Poller) LastRun() RefreshReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}

// warmStart primes the target from the catalog after a failed discovery.
func (p *Poller) warmStart(ctx context.Context) bool {
	if p.catalog == nil {
		return false
	}
	devs, err := p.catalog.ListDevices(ctx)
	if err != nil || len(devs) == 0 {
		if err != nil {
			slog.Warn("device catalog read failed", "error", err)
		}
		return false
	}
	p.target.ReplaceDevices(devs)
	slog.Info("govee devices primed from catalog", "devices", len(devs))
	return true
}

// Start discovers, refreshes once and then refreshes on a fixed interval
// until Stop or ctx is done. The device list is not re-polled.
func (p *Poller) Start(ctx context.Context) error {
	if _, err := p.Discover(ctx); err != nil && !p.warmStart(ctx) {
		return err
	}
	p.RefreshAll(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(p.interval), cron.FuncJob(func() {
		p.RefreshAll(runCtx)
	}))
	c.Start()
	p.cron = c
	p.cancel = cancel
	slog.Info("govee poll loop started", "interval", p.interval)
	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	c, cancel := p.cron, p.cancel
	p.cron, p.cancel = nil, nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
}
