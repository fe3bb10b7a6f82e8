// Package adapter owns one Govee client: the cloud command client, the
// credential store, the push sessions, the reconciler and the poll loop.
// Callers hold an *Adapter and reach everything through it.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/account"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/cloud"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/config"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/credentials"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/mqtt"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/poller"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/pubsub"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/reconciler"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/store"
	apperrors "github.com/PetoAdam/homenavi/govee-adapter/pkg/errors"
)

// Session names used for the startup push sessions.
const (
	SimpleSession      = "simple"
	CertificateSession = "certificate"
)

type Adapter struct {
	cfg      *config.Config
	cloud    *cloud.Client
	accounts *account.Client
	creds    *credentials.Store
	rec      *reconciler.Reconciler
	poll     *poller.Poller
	sessions *pubsub.Manager
	cache    *store.StateCache

	pollMu sync.Mutex

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	polling bool
	started bool
	wg      sync.WaitGroup
	// deviceTopics maps normalized device ids to their account push topic.
	deviceTopics map[string]string
}

type options struct {
	httpClient     *http.Client
	loginURL       string
	deviceListURL  string
	dialer         mqtt.Dialer
	catalog        poller.Catalog
	cache          *store.StateCache
	reconcilerOpts []reconciler.Option
}

type Option func(*options)

func WithHTTPClient(hc *http.Client) Option { return func(o *options) { o.httpClient = hc } }

// WithAccountURLs overrides the app login and account device list endpoints.
func WithAccountURLs(login, deviceList string) Option {
	return func(o *options) { o.loginURL, o.deviceListURL = login, deviceList }
}

func WithDialer(d mqtt.Dialer) Option { return func(o *options) { o.dialer = d } }

func WithCatalog(c poller.Catalog) Option { return func(o *options) { o.catalog = c } }

func WithStateCache(c *store.StateCache) Option { return func(o *options) { o.cache = c } }

func WithReconcilerOptions(opts ...reconciler.Option) Option {
	return func(o *options) { o.reconcilerOpts = append(o.reconcilerOpts, opts...) }
}

func New(cfg *config.Config, opts ...Option) *Adapter {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}

	cloudOpts := []cloud.Option{}
	if cfg.BaseURL != "" {
		cloudOpts = append(cloudOpts, cloud.WithBaseURL(cfg.BaseURL))
	}
	acctOpts := []account.Option{}
	if o.httpClient != nil {
		cloudOpts = append(cloudOpts, cloud.WithHTTPClient(o.httpClient))
		acctOpts = append(acctOpts, account.WithHTTPClient(o.httpClient))
	}
	if o.loginURL != "" {
		acctOpts = append(acctOpts, account.WithLoginURL(o.loginURL))
	}
	if o.deviceListURL != "" {
		acctOpts = append(acctOpts, account.WithDeviceListURL(o.deviceListURL))
	}

	a := &Adapter{
		cfg:          cfg,
		cloud:        cloud.New(cfg.APIKey, cloudOpts...),
		accounts:     account.New(acctOpts...),
		cache:        o.cache,
		deviceTopics: map[string]string{},
	}
	a.creds = credentials.New(cfg.APIKey, cfg.Account.Email, cfg.Account.Password, a.accounts)
	a.rec = reconciler.New(a.cloud, o.reconcilerOpts...)

	pollOpts := []poller.Option{poller.WithInterval(cfg.PollInterval)}
	if o.catalog != nil {
		pollOpts = append(pollOpts, poller.WithCatalog(o.catalog))
	}
	a.poll = poller.New(a.cloud, a.rec, pollOpts...)

	var mgrOpts []pubsub.ManagerOption
	if o.dialer != nil {
		mgrOpts = append(mgrOpts, pubsub.WithDialer(o.dialer))
	}
	a.sessions = pubsub.NewManager(a.creds, cfg.MQTT.Config, a.onPush, mgrOpts...)
	return a
}

func (a *Adapter) onPush(ev pubsub.PushEvent) {
	if !a.rec.MergePush(ev.DeviceID, ev.Capabilities) {
		slog.Debug("govee push produced no change", "session", ev.Session, "device", ev.DeviceID)
	}
}

// Start runs discovery and the poll loop, opens configured push sessions and
// starts the state mirror. Discovery failure is returned but leaves the
// adapter usable; a later Rediscover starts polling.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.runCtx, a.cancel = context.WithCancel(ctx)
	runCtx := a.runCtx
	a.mu.Unlock()

	if a.cache != nil {
		events, unsubscribe := a.rec.Subscribe()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer unsubscribe()
			a.cache.Mirror(runCtx, events)
		}()
	}

	pollErr := a.startPolling(runCtx)
	if pollErr == nil && a.cache != nil {
		a.pruneCache(runCtx)
	}

	if a.cfg.MQTT.Simple {
		if err := a.openSimple(runCtx); err != nil {
			slog.Error("govee simple push session unavailable", "error", err)
		}
	}
	if a.cfg.MQTT.Certificate {
		if err := a.openCertificate(runCtx); err != nil {
			slog.Error("govee certificate push session unavailable", "error", err)
		}
	}
	return pollErr
}

func (a *Adapter) startPolling(ctx context.Context) error {
	a.pollMu.Lock()
	defer a.pollMu.Unlock()
	if a.isPolling() {
		return nil
	}
	if err := a.poll.Start(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.polling = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) isPolling() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polling
}

func (a *Adapter) pruneCache(ctx context.Context) {
	devs := a.rec.Devices()
	keep := make([]string, len(devs))
	for i, d := range devs {
		keep[i] = d.ID
	}
	removed, err := a.cache.RemoveAllExcept(ctx, keep)
	if err != nil {
		slog.Warn("state cache prune failed", "error", err)
		return
	}
	if len(removed) > 0 {
		slog.Info("state cache pruned", "removed", len(removed))
	}
}

func (a *Adapter) openSimple(ctx context.Context) error {
	s, err := a.sessions.OpenSimple(ctx, SimpleSession)
	if err != nil {
		return err
	}
	// The simple broker does not subscribe on its own.
	return s.Subscribe(pubsub.SimpleAccountTopic(a.creds.APIKey()))
}

func (a *Adapter) openCertificate(ctx context.Context) error {
	s, err := a.sessions.OpenCertificate(ctx, CertificateSession)
	if err != nil {
		return err
	}
	devs, err := a.accountDevices(ctx)
	if err != nil {
		slog.Warn("govee account device list unavailable; per-device topics skipped", "error", err)
		return nil
	}
	a.mu.Lock()
	for _, d := range devs {
		if d.Topic != "" {
			a.deviceTopics[model.NormalizeID(d.DeviceID)] = d.Topic
		}
	}
	a.mu.Unlock()
	for _, d := range devs {
		if d.Topic == "" {
			continue
		}
		if err := s.SubscribeDevice(d.Topic, d.DeviceID); err != nil {
			continue
		}
		if err := s.RequestStatus(d.Topic); err != nil {
			slog.Debug("govee status request failed", "device", d.DeviceID, "error", err)
		}
	}
	slog.Info("govee certificate session subscribed devices", "devices", len(devs))
	return nil
}

// accountDevices lists devices on the app account, logging in again once if
// the cached token was rejected.
func (a *Adapter) accountDevices(ctx context.Context) ([]account.AccountDevice, error) {
	ac, err := a.creds.Session(ctx)
	if err != nil {
		return nil, err
	}
	devs, err := a.accounts.ListDevices(ctx, ac)
	if err == nil || !apperrors.IsAuth(err) {
		return devs, err
	}
	a.creds.Invalidate()
	if ac, err = a.creds.Session(ctx); err != nil {
		return nil, err
	}
	return a.accounts.ListDevices(ctx, ac)
}

// Close stops polling, closes every push session and waits for the mirror.
// It never fails.
func (a *Adapter) Close() {
	a.poll.Stop()
	a.sessions.CloseAll()
	a.mu.Lock()
	cancel := a.cancel
	a.polling = false
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

func (a *Adapter) ListDevices() []model.Device { return a.rec.Devices() }

func (a *Adapter) Device(id string) (model.Device, error) { return a.rec.Device(id) }

func (a *Adapter) GetState(id string) (model.Snapshot, error) { return a.rec.State(id) }

// GetPowerState returns nil when the device has not reported power yet.
func (a *Adapter) GetPowerState(id string) (*bool, error) {
	snap, err := a.rec.State(id)
	if err != nil {
		return nil, err
	}
	on, ok := snap.Power()
	if !ok {
		return nil, nil
	}
	return &on, nil
}

// GetBrightness returns nil when the device has not reported brightness yet.
func (a *Adapter) GetBrightness(id string) (*int, error) {
	snap, err := a.rec.State(id)
	if err != nil {
		return nil, err
	}
	b, ok := snap.Brightness()
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (a *Adapter) TogglePower(ctx context.Context, id string, on bool) error {
	return a.rec.SetPower(ctx, id, on)
}

// SetBrightness writes immediately when commit is set; otherwise the value is
// shown optimistically and written once the slider settles.
func (a *Adapter) SetBrightness(ctx context.Context, id string, pct float64, commit bool) error {
	if commit {
		return a.rec.CommitBrightness(ctx, id, pct)
	}
	return a.rec.DragBrightness(id, pct)
}

func (a *Adapter) SetColor(ctx context.Context, id string, rgb model.RGB) error {
	return a.rec.SetColor(ctx, id, rgb)
}

func (a *Adapter) SetColorTemperature(ctx context.Context, id string, kelvin int) error {
	return a.rec.SetColorTemperature(ctx, id, kelvin)
}

func (a *Adapter) RefreshAll(ctx context.Context) poller.RefreshReport {
	return a.poll.RefreshAll(ctx)
}

func (a *Adapter) LastRefresh() poller.RefreshReport { return a.poll.LastRun() }

// Rediscover re-lists devices. If startup discovery had failed this also
// starts the poll loop.
func (a *Adapter) Rediscover(ctx context.Context) ([]model.Device, error) {
	a.mu.Lock()
	runCtx, polling := a.runCtx, a.polling
	a.mu.Unlock()
	if runCtx != nil && !polling {
		if err := a.startPolling(runCtx); err != nil {
			return nil, err
		}
		return a.rec.Devices(), nil
	}
	return a.poll.Discover(ctx)
}

// RequestStatus asks a device for its state over the certificate session.
// The reply arrives as a push event.
func (a *Adapter) RequestStatus(id string) error {
	if _, err := a.rec.Device(id); err != nil {
		return err
	}
	s, ok := a.sessions.Session(CertificateSession)
	if !ok {
		return fmt.Errorf("%w: certificate push session is not open", pubsub.ErrSessionClosed)
	}
	a.mu.Lock()
	topic := a.deviceTopics[model.NormalizeID(id)]
	a.mu.Unlock()
	if topic == "" {
		return fmt.Errorf("%w: no push topic for device %s", apperrors.ErrUnsupported, id)
	}
	return s.RequestStatus(topic)
}

func (a *Adapter) Sessions() []pubsub.Status { return a.sessions.Sessions() }

// OpenSession opens (or returns) a named push session of the given kind.
func (a *Adapter) OpenSession(ctx context.Context, kind string) error {
	switch kind {
	case pubsub.KindSimple:
		return a.openSimple(a.sessionCtx(ctx))
	case pubsub.KindCertificate:
		return a.openCertificate(a.sessionCtx(ctx))
	default:
		return errors.New("unknown session kind " + kind)
	}
}

func (a *Adapter) CloseSession(name string) { a.sessions.Close(name) }

func (a *Adapter) sessionCtx(ctx context.Context) context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runCtx != nil {
		return a.runCtx
	}
	return ctx
}

// Subscribe streams state change events. The returned func unsubscribes.
func (a *Adapter) Subscribe() (<-chan reconciler.Event, func()) { return a.rec.Subscribe() }

// CurrentState returns one state_changed event per known device, in
// discovery order.
func (a *Adapter) CurrentState() []reconciler.Event { return a.rec.Current() }
