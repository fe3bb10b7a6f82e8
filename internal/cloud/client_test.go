package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
	apperrors "github.com/PetoAdam/homenavi/govee-adapter/pkg/errors"
)

type recordedRequest struct {
	Method string
	Path   string
	APIKey string
	Body   map[string]any
}

type fakeVendor struct {
	t        *testing.T
	mu       sync.Mutex
	requests []recordedRequest
	handlers map[string]http.HandlerFunc
}

func newFakeVendor(t *testing.T) (*fakeVendor, *Client) {
	t.Helper()
	fv := &fakeVendor{t: t, handlers: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(http.HandlerFunc(fv.serve))
	t.Cleanup(srv.Close)
	return fv, New("test-key", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
}

func (f *fakeVendor) on(method, path string, h http.HandlerFunc) {
	f.handlers[method+" "+path] = h
}

func (f *fakeVendor) serve(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, APIKey: r.Header.Get(APIKeyHeader)}
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		_ = json.Unmarshal(b, &rec.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	f.mu.Unlock()
	h, ok := f.handlers[r.Method+" "+r.URL.Path]
	if !ok {
		f.t.Errorf("no handler for %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (f *fakeVendor) recorded(path string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func writeBody(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func controlValue(t *testing.T, r recordedRequest) any {
	t.Helper()
	payload, ok := r.Body["payload"].(map[string]any)
	require.True(t, ok, "payload missing: %+v", r.Body)
	capability, ok := payload["capability"].(map[string]any)
	require.True(t, ok, "capability missing: %+v", payload)
	return capability["value"]
}

var testDevice = model.Device{SKU: "sku", ID: "dev"}

func TestListDevicesReturnsArrayUnchanged(t *testing.T) {
	fv, c := newFakeVendor(t)
	fv.on(http.MethodGet, "/user/devices", writeBody(`{"code":200,"message":"success","data":[
		{"sku":"H6008","device":"dev-1","deviceName":"Desk","type":"devices.types.light","capabilities":[
			{"type":"devices.capabilities.on_off","instance":"powerSwitch","parameters":{"dataType":"ENUM"}},
			{"type":"devices.capabilities.range","instance":"brightness","parameters":{"dataType":"INTEGER","range":{"min":1,"max":100,"precision":1}}}
		]},
		{"sku":"H6199","device":"dev-2"}
	]}`))

	devices, err := c.ListDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "dev-1", devices[0].ID)
	assert.Equal(t, "Desk", devices[0].Name)
	assert.Equal(t, "dev-2", devices[1].ID)
	bc, ok := devices[0].Capability(model.Brightness)
	require.True(t, ok)
	require.NotNil(t, bc.Range)
	assert.Equal(t, 100, bc.Range.Max)

	reqs := fv.recorded("/user/devices")
	require.Len(t, reqs, 1)
	assert.Equal(t, "test-key", reqs[0].APIKey)
}

func TestListDevicesEmptyIsNotAnError(t *testing.T) {
	fv, c := newFakeVendor(t)
	fv.on(http.MethodGet, "/user/devices", writeBody(`{"code":200,"message":"success"}`))

	devices, err := c.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestListDevicesVendorError(t *testing.T) {
	fv, c := newFakeVendor(t)
	fv.on(http.MethodGet, "/user/devices", writeBody(`{"code":500,"message":"boom"}`))

	_, err := c.ListDevices(context.Background())
	require.Error(t, err)
	var ve *apperrors.VendorError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, 500, ve.Code)
	assert.Contains(t, err.Error(), "boom")
}

func TestFetchStateStampsRequestIDAndDecodesValues(t *testing.T) {
	fv, c := newFakeVendor(t)
	fv.on(http.MethodPost, "/device/state", writeBody(`{"code":200,"msg":"success","payload":{"sku":"sku","device":"dev","capabilities":[
		{"type":"devices.capabilities.online","instance":"online","state":{"value":true}},
		{"type":"devices.capabilities.on_off","instance":"powerSwitch","state":{"value":"1"}},
		{"type":"devices.capabilities.range","instance":"brightness","state":{"value":64}},
		{"type":"devices.capabilities.color_setting","instance":"colorRgb","state":{"value":"not-a-number"}}
	]}}`))

	snap, err := c.FetchState(context.Background(), testDevice)
	require.NoError(t, err)
	on, ok := snap.Power()
	require.True(t, ok)
	assert.True(t, on)
	b, ok := snap.Brightness()
	require.True(t, ok)
	assert.Equal(t, 64, b)
	assert.False(t, snap.Has(model.ColorRGB), "undecodable values are skipped")

	reqs := fv.recorded("/device/state")
	require.Len(t, reqs, 1)
	rid, _ := reqs[0].Body["requestId"].(string)
	assert.True(t, strings.HasPrefix(rid, "req-"), "requestId %q", rid)
	assert.Equal(t, map[string]any{"sku": "sku", "device": "dev"}, reqs[0].Body["payload"])
}

func TestControlPropagatesHTTPErrorWithStatus(t *testing.T) {
	fv, c := newFakeVendor(t)
	fv.on(http.MethodPost, "/device/control", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"denied","code":40301}`))
	})

	_, err := c.Control(context.Background(), testDevice, model.TypeOnOff, model.PowerSwitch, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
	assert.Contains(t, err.Error(), "403")
	var te *apperrors.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusForbidden, te.Status)
	assert.Equal(t, 40301, te.VendorCode)
}

func TestControlVendorEnvelopeError(t *testing.T) {
	fv, c := newFakeVendor(t)
	fv.on(http.MethodPost, "/device/control", writeBody(`{"code":400,"msg":"invalid value"}`))

	_, err := c.Control(context.Background(), testDevice, model.TypeOnOff, model.PowerSwitch, 1)
	require.Error(t, err)
	assert.True(t, apperrors.IsVendor(err))
	assert.Contains(t, err.Error(), "invalid value")
}

func TestControlNetworkFailureIsReturnedUnchanged(t *testing.T) {
	sentinel := errors.New("dial refused")
	c := New("k", WithHTTPClient(&http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, sentinel
	})}))

	_, err := c.TogglePower(context.Background(), testDevice, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.False(t, apperrors.IsTransport(err))
	assert.False(t, apperrors.IsVendor(err))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestTogglePowerAndBrightnessSendNormalizedValues(t *testing.T) {
	fv, c := newFakeVendor(t)
	fv.on(http.MethodPost, "/device/control", writeBody(`{"code":200,"msg":"success","requestId":"r"}`))
	ctx := context.Background()

	_, err := c.TogglePower(ctx, testDevice, true)
	require.NoError(t, err)
	_, err = c.TogglePower(ctx, testDevice, false)
	require.NoError(t, err)
	for _, b := range []float64{0, 1, 42.4, 100, 150} {
		_, err := c.SetBrightness(ctx, testDevice, b)
		require.NoError(t, err)
	}

	calls := fv.recorded("/device/control")
	require.Len(t, calls, 7)
	want := []float64{1, 0, 1, 1, 42, 100, 100}
	for i, w := range want {
		assert.Equal(t, w, controlValue(t, calls[i]), "call %d", i)
	}
	payload := calls[0].Body["payload"].(map[string]any)
	capability := payload["capability"].(map[string]any)
	assert.Equal(t, model.TypeOnOff, capability["type"])
	assert.Equal(t, "powerSwitch", capability["instance"])
}

func TestCallerRequestIDIsPreserved(t *testing.T) {
	fv, c := newFakeVendor(t)
	fv.on(http.MethodPost, "/device/state", writeBody(`{"code":200,"payload":{}}`))

	_, err := c.do(context.Background(), "fetch_state", http.MethodPost, "/device/state", map[string]any{
		"requestId": "mine",
		"payload":   map[string]any{"sku": "s", "device": "d"},
	})
	require.NoError(t, err)
	reqs := fv.recorded("/device/state")
	require.Len(t, reqs, 1)
	assert.Equal(t, "mine", reqs[0].Body["requestId"])
}

func TestSetColorAndTemperature(t *testing.T) {
	fv, c := newFakeVendor(t)
	fv.on(http.MethodPost, "/device/control", writeBody(`{"code":200}`))
	dev := model.NewDevice("sku", "dev", "", "", []model.Capability{
		{Type: model.TypeColorSetting, Instance: model.ColorTemperature, Range: &model.Range{Min: 2000, Max: 9000}},
	})

	_, err := c.SetColor(context.Background(), dev, model.RGB{R: 255, G: 0, B: 1})
	require.NoError(t, err)
	_, err = c.SetColorTemperature(context.Background(), dev, 12000)
	require.NoError(t, err)

	calls := fv.recorded("/device/control")
	require.Len(t, calls, 2)
	assert.Equal(t, float64(0xff0001), controlValue(t, calls[0]))
	assert.Equal(t, float64(9000), controlValue(t, calls[1]))
}

func TestClampBrightness(t *testing.T) {
	cases := map[float64]int{0: 1, 1: 1, 42.4: 42, 42.5: 43, 100: 100, 150: 100, -20: 1}
	for in, want := range cases {
		assert.Equal(t, want, ClampBrightness(in), "input %v", in)
	}
}

func TestNewRequestIDFormat(t *testing.T) {
	id := NewRequestID()
	parts := strings.Split(id, "-")
	require.Len(t, parts, 3)
	assert.Equal(t, "req", parts[0])
	assert.Len(t, parts[2], 9)
	assert.NotEqual(t, id, NewRequestID())
}
