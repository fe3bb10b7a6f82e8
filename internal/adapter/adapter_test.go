package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/config"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/mqtt"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/pubsub"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/reconciler"
	apperrors "github.com/PetoAdam/homenavi/govee-adapter/pkg/errors"
)

const deviceID = "AA:BB:CC:DD:EE:FF:00:11"

// fakeGovee serves the OpenAPI and app account endpoints from one server.
type fakeGovee struct {
	mu          sync.Mutex
	listFails   bool
	controlFail bool
	controls    []map[string]any
	logins      int
}

func (f *fakeGovee) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /user/devices", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		fails := f.listFails
		f.mu.Unlock()
		if fails {
			_, _ = io.WriteString(w, `{"code":500,"message":"boom"}`)
			return
		}
		_, _ = io.WriteString(w, `{"code":200,"message":"success","data":[{"sku":"H6008","device":"`+deviceID+`","deviceName":"Desk","type":"devices.types.light","capabilities":[
			{"type":"devices.capabilities.on_off","instance":"powerSwitch"},
			{"type":"devices.capabilities.range","instance":"brightness","parameters":{"dataType":"INTEGER","range":{"min":1,"max":100,"precision":1}}},
			{"type":"devices.capabilities.color_setting","instance":"colorRgb"}]}]}`)
	})
	mux.HandleFunc("POST /device/state", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":200,"message":"success","payload":{"sku":"H6008","device":"`+deviceID+`","capabilities":[
			{"type":"devices.capabilities.on_off","instance":"powerSwitch","state":{"value":1}},
			{"type":"devices.capabilities.range","instance":"brightness","state":{"value":40}}]}}`)
	})
	mux.HandleFunc("POST /device/control", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.controls = append(f.controls, body)
		fail := f.controlFail
		f.mu.Unlock()
		if fail {
			_, _ = io.WriteString(w, `{"code":500,"message":"device busy"}`)
			return
		}
		_, _ = io.WriteString(w, `{"requestId":"x","code":200,"message":"success"}`)
	})
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.logins++
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"status":200,"message":"Login successful","client":{"accountId":42,"client":"cid-1","topic":"GA/account-topic","token":"tok","tokenExpireCycle":57600}}`)
	})
	mux.HandleFunc("POST /account/devices", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":200,"message":"","devices":[{"sku":"H6008","device":"`+deviceID+`","deviceName":"Desk","deviceExt":{"deviceSettings":"{\"topic\":\"GD/desk-topic\"}"}}]}`)
	})
	return mux
}

func (f *fakeGovee) controlValues() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, c := range f.controls {
		payload, _ := c["payload"].(map[string]any)
		capability, _ := payload["capability"].(map[string]any)
		out = append(out, capability["value"])
	}
	return out
}

type fakeBroker struct {
	mu      sync.Mutex
	clients []*fakeMQTT
}

func (b *fakeBroker) dial(o mqtt.Options) mqtt.ClientAPI {
	c := &fakeMQTT{opts: o, subs: map[string]mqtt.Handler{}}
	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()
	return c
}

func (b *fakeBroker) client(clientIDPrefix string) *fakeMQTT {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		if len(c.opts.ClientID) >= len(clientIDPrefix) && c.opts.ClientID[:len(clientIDPrefix)] == clientIDPrefix {
			return c
		}
	}
	return nil
}

type fakeMQTT struct {
	mu        sync.Mutex
	opts      mqtt.Options
	connected bool
	subs      map[string]mqtt.Handler
	published map[string][]byte
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func (c *fakeMQTT) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}
	return nil
}

func (c *fakeMQTT) Subscribe(topic string, cb mqtt.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = cb
	return nil
}

func (c *fakeMQTT) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, topic)
	return nil
}

func (c *fakeMQTT) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.published == nil {
		c.published = map[string][]byte{}
	}
	c.published[topic] = payload
	return nil
}

func (c *fakeMQTT) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeMQTT) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeMQTT) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[topic]
	return ok
}

func (c *fakeMQTT) deliver(topic string, payload string) {
	c.mu.Lock()
	cb := c.subs[topic]
	c.mu.Unlock()
	cb(fakeMessage{topic: topic, payload: []byte(payload)})
}

func (c *fakeMQTT) publishedTo(topic string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[topic]
}

type harness struct {
	gov    *fakeGovee
	broker *fakeBroker
	cfg    *config.Config
	srv    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{gov: &fakeGovee{}, broker: &fakeBroker{}}
	h.srv = httptest.NewServer(h.gov.handler())
	t.Cleanup(h.srv.Close)
	h.cfg = &config.Config{
		APIKey:       "test-key",
		BaseURL:      h.srv.URL,
		PollInterval: time.Hour,
	}
	return h
}

func (h *harness) adapter(t *testing.T, opts ...Option) *Adapter {
	t.Helper()
	opts = append([]Option{
		WithHTTPClient(h.srv.Client()),
		WithAccountURLs(h.srv.URL+"/login", h.srv.URL+"/account/devices"),
		WithDialer(h.broker.dial),
	}, opts...)
	a := New(h.cfg, opts...)
	t.Cleanup(a.Close)
	return a
}

func TestStartDiscoversAndRefreshes(t *testing.T) {
	h := newHarness(t)
	a := h.adapter(t)
	require.NoError(t, a.Start(context.Background()))

	devs := a.ListDevices()
	require.Len(t, devs, 1)
	assert.Equal(t, "Desk", devs[0].Name)

	on, err := a.GetPowerState(deviceID)
	require.NoError(t, err)
	require.NotNil(t, on)
	assert.True(t, *on)
	b, err := a.GetBrightness(deviceID)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, 40, *b)

	rep := a.LastRefresh()
	assert.Equal(t, 1, rep.Devices)
	assert.Equal(t, 0, rep.Failed)

	state := a.CurrentState()
	require.Len(t, state, 1)
	assert.Equal(t, reconciler.EventStateChanged, state[0].Type)
}

func TestUnknownDeviceAccessors(t *testing.T) {
	h := newHarness(t)
	a := h.adapter(t)
	require.NoError(t, a.Start(context.Background()))

	_, err := a.GetPowerState("nope")
	assert.ErrorIs(t, err, apperrors.ErrUnknownDevice)
	assert.ErrorIs(t, a.TogglePower(context.Background(), "nope", true), apperrors.ErrUnknownDevice)
}

func TestTogglePowerWritesAndFailureRestores(t *testing.T) {
	h := newHarness(t)
	a := h.adapter(t)
	require.NoError(t, a.Start(context.Background()))

	require.NoError(t, a.TogglePower(context.Background(), deviceID, false))
	on, _ := a.GetPowerState(deviceID)
	require.NotNil(t, on)
	assert.False(t, *on)

	h.gov.mu.Lock()
	h.gov.controlFail = true
	h.gov.mu.Unlock()
	err := a.TogglePower(context.Background(), deviceID, true)
	require.Error(t, err)
	assert.True(t, apperrors.IsVendor(err))
	assert.Contains(t, err.Error(), "device busy")

	on, _ = a.GetPowerState(deviceID)
	require.NotNil(t, on)
	assert.False(t, *on, "failed write leaves the pre-write value")
	assert.Equal(t, []any{float64(0), float64(1)}, h.gov.controlValues())
}

func TestBrightnessDragIsDebounced(t *testing.T) {
	h := newHarness(t)
	a := h.adapter(t, WithReconcilerOptions(reconciler.WithDebounce(20*time.Millisecond)))
	require.NoError(t, a.Start(context.Background()))

	for _, v := range []float64{10, 30, 55} {
		require.NoError(t, a.SetBrightness(context.Background(), deviceID, v, false))
	}
	b, _ := a.GetBrightness(deviceID)
	require.NotNil(t, b)
	assert.Equal(t, 55, *b, "display follows the drag")

	require.Eventually(t, func() bool { return len(h.gov.controlValues()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{float64(55)}, h.gov.controlValues())

	require.NoError(t, a.SetBrightness(context.Background(), deviceID, 150, true))
	assert.Equal(t, []any{float64(55), float64(100)}, h.gov.controlValues())
}

func TestSimpleSessionSubscribesAndMergesPush(t *testing.T) {
	h := newHarness(t)
	h.cfg.MQTT.Simple = true
	a := h.adapter(t)
	require.NoError(t, a.Start(context.Background()))

	c := h.broker.client("govee-adapter-")
	require.NotNil(t, c)
	assert.Equal(t, "test-key", c.opts.Username)
	require.True(t, c.subscribed("GA/test-key"))

	events, cancel := a.Subscribe()
	defer cancel()
	c.deliver("GA/test-key", `{"sku":"H6008","device":"aabbccddeeff0011","capabilities":[{"type":"devices.capabilities.on_off","instance":"powerSwitch","state":{"value":0}}]}`)

	on, _ := a.GetPowerState(deviceID)
	require.NotNil(t, on)
	assert.False(t, *on)
	select {
	case ev := <-events:
		assert.Equal(t, reconciler.SourcePush, ev.Source)
	case <-time.After(time.Second):
		t.Fatal("no state_changed event for push")
	}

	sessions := a.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, pubsub.PhaseSubscribed, sessions[0].Phase)
}

func TestCertificateSessionSubscribesDeviceTopics(t *testing.T) {
	h := newHarness(t)
	h.cfg.Account = config.AccountConfig{Email: "me@example.com", Password: "pw"}
	h.cfg.MQTT.Certificate = true
	a := h.adapter(t)
	require.NoError(t, a.Start(context.Background()))

	c := h.broker.client("cid-1")
	require.NotNil(t, c)
	assert.True(t, c.subscribed("GA/account-topic"))
	assert.True(t, c.subscribed("GD/desk-topic"))
	assert.NotEmpty(t, c.publishedTo("GD/desk-topic"), "initial status request")

	require.NoError(t, a.RequestStatus(deviceID))
	var frame struct {
		Msg struct {
			Cmd        string `json:"cmd"`
			CmdVersion int    `json:"cmdVersion"`
		} `json:"msg"`
	}
	require.NoError(t, json.Unmarshal(c.publishedTo("GD/desk-topic"), &frame))
	assert.Equal(t, "status", frame.Msg.Cmd)
	assert.Equal(t, 2, frame.Msg.CmdVersion)

	h.gov.mu.Lock()
	logins := h.gov.logins
	h.gov.mu.Unlock()
	assert.Equal(t, 1, logins, "one login shared by session and device list")
}

func TestRequestStatusWithoutCertificateSession(t *testing.T) {
	h := newHarness(t)
	a := h.adapter(t)
	require.NoError(t, a.Start(context.Background()))
	assert.True(t, errors.Is(a.RequestStatus(deviceID), pubsub.ErrSessionClosed))
}

func TestRediscoverStartsPollingAfterFailedStart(t *testing.T) {
	h := newHarness(t)
	h.gov.listFails = true
	a := h.adapter(t)

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Empty(t, a.ListDevices())

	h.gov.mu.Lock()
	h.gov.listFails = false
	h.gov.mu.Unlock()
	devs, err := a.Rediscover(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 1)

	on, _ := a.GetPowerState(deviceID)
	require.NotNil(t, on, "rediscovery refreshed state")
	assert.Equal(t, model.NormalizeID(deviceID), model.NormalizeID(devs[0].ID))
}
