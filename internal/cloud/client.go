package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/observability"
	apperrors "github.com/PetoAdam/homenavi/govee-adapter/pkg/errors"
)

const (
	DefaultBaseURL = "https://openapi.api.govee.com/router/api/v1"
	APIKeyHeader   = "Govee-API-Key"

	maxBodyBytes = 1 << 20
)

// Client issues authenticated calls against the Govee OpenAPI. It holds no
// per-device state; every call is independent.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	requestID  func() string
	tracer     trace.Tracer
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithRequestIDFunc(fn func() string) Option {
	return func(c *Client) { c.requestID = fn }
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		requestID:  NewRequestID,
		tracer:     otel.Tracer("govee-adapter/cloud"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ack is the vendor acknowledgement of a control request.
type Ack struct {
	RequestID  string          `json:"requestId"`
	Code       int             `json:"code"`
	Message    string          `json:"message"`
	Capability json.RawMessage `json:"capability,omitempty"`
}

type envelope struct {
	RequestID  string          `json:"requestId"`
	Code       int             `json:"code"`
	Message    string          `json:"message"`
	Msg        string          `json:"msg"`
	Data       json.RawMessage `json:"data"`
	Payload    json.RawMessage `json:"payload"`
	Capability json.RawMessage `json:"capability"`
}

func (e envelope) message() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Msg
}

type wireDevice struct {
	SKU          string           `json:"sku"`
	Device       string           `json:"device"`
	DeviceName   string           `json:"deviceName"`
	Type         string           `json:"type"`
	Capabilities []wireCapability `json:"capabilities"`
}

type wireCapability struct {
	Type       string `json:"type"`
	Instance   string `json:"instance"`
	Parameters struct {
		DataType string `json:"dataType"`
		Range    *struct {
			Min       float64 `json:"min"`
			Max       float64 `json:"max"`
			Precision float64 `json:"precision"`
		} `json:"range"`
		Options []model.Option `json:"options"`
	} `json:"parameters"`
	State *struct {
		Value json.RawMessage `json:"value"`
	} `json:"state"`
}

func (w wireDevice) toModel() model.Device {
	caps := make([]model.Capability, 0, len(w.Capabilities))
	for _, wc := range w.Capabilities {
		c := model.Capability{
			Type:     wc.Type,
			Instance: model.Instance(wc.Instance),
			DataType: wc.Parameters.DataType,
			Options:  wc.Parameters.Options,
		}
		if r := wc.Parameters.Range; r != nil {
			c.Range = &model.Range{Min: int(r.Min), Max: int(r.Max), Precision: int(r.Precision)}
		}
		caps = append(caps, c)
	}
	return model.NewDevice(w.SKU, w.Device, w.DeviceName, w.Type, caps)
}

// ListDevices returns every device on the account. Zero devices is not an error.
func (c *Client) ListDevices(ctx context.Context) ([]model.Device, error) {
	env, err := c.do(ctx, "list_devices", http.MethodGet, "/user/devices", nil)
	if err != nil {
		return nil, err
	}
	var wire []wireDevice
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &wire); err != nil {
			return nil, fmt.Errorf("decode device list: %w", err)
		}
	}
	devices := make([]model.Device, 0, len(wire))
	for _, w := range wire {
		devices = append(devices, w.toModel())
	}
	return devices, nil
}

// FetchState polls the current capability values of dev.
func (c *Client) FetchState(ctx context.Context, dev model.Device) (model.Snapshot, error) {
	env, err := c.do(ctx, "fetch_state", http.MethodPost, "/device/state", map[string]any{
		"payload": map[string]any{"sku": dev.SKU, "device": dev.ID},
	})
	if err != nil {
		return model.Snapshot{}, err
	}
	snap := model.Snapshot{SKU: dev.SKU, DeviceID: dev.ID}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return snap, nil
	}
	var payload wireDevice
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode device state: %w", err)
	}
	for _, wc := range payload.Capabilities {
		if wc.Instance == "" || wc.State == nil {
			continue
		}
		inst := model.Instance(wc.Instance)
		v, err := model.DecodeValue(inst, wc.State.Value)
		if err != nil {
			slog.Warn("govee state value skipped", "device", dev.ID, "instance", inst, "error", err)
			continue
		}
		snap.Capabilities = append(snap.Capabilities, model.CapabilityState{Type: wc.Type, Instance: inst, Value: v})
	}
	return snap, nil
}

// Control writes one capability value.
func (c *Client) Control(ctx context.Context, dev model.Device, capabilityType string, inst model.Instance, value any) (Ack, error) {
	env, err := c.do(ctx, "control", http.MethodPost, "/device/control", map[string]any{
		"payload": map[string]any{
			"sku":    dev.SKU,
			"device": dev.ID,
			"capability": map[string]any{
				"type":     capabilityType,
				"instance": inst,
				"value":    value,
			},
		},
	})
	if err != nil {
		return Ack{}, err
	}
	return Ack{RequestID: env.RequestID, Code: env.Code, Message: env.message(), Capability: env.Capability}, nil
}

func (c *Client) TogglePower(ctx context.Context, dev model.Device, on bool) (Ack, error) {
	return c.Control(ctx, dev, model.TypeOnOff, model.PowerSwitch, model.BoolValue(on).Wire())
}

// SetBrightness clamps pct to [1,100] before it reaches the wire.
func (c *Client) SetBrightness(ctx context.Context, dev model.Device, pct float64) (Ack, error) {
	return c.Control(ctx, dev, model.TypeRange, model.Brightness, ClampBrightness(pct))
}

func (c *Client) SetColor(ctx context.Context, dev model.Device, rgb model.RGB) (Ack, error) {
	return c.Control(ctx, dev, model.TypeColorSetting, model.ColorRGB, rgb.Packed())
}

// SetColorTemperature clamps kelvin to the device's declared range when it has one.
func (c *Client) SetColorTemperature(ctx context.Context, dev model.Device, kelvin int) (Ack, error) {
	if capDef, ok := dev.Capability(model.ColorTemperature); ok && capDef.Range != nil {
		kelvin = capDef.Range.Clamp(kelvin)
	}
	return c.Control(ctx, dev, model.TypeColorSetting, model.ColorTemperature, kelvin)
}

func ClampBrightness(pct float64) int {
	if math.IsNaN(pct) {
		return model.MinBrightness
	}
	v := math.Round(pct)
	if v < model.MinBrightness {
		return model.MinBrightness
	}
	if v > model.MaxBrightness {
		return model.MaxBrightness
	}
	return int(v)
}

func (c *Client) do(ctx context.Context, op, method, path string, body map[string]any) (env envelope, err error) {
	ctx, span := c.tracer.Start(ctx, "govee."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("govee.op", op), attribute.String("http.method", method))
	defer func() {
		observability.ObserveCloudRequest(op, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		if _, ok := body["requestId"]; !ok {
			body["requestId"] = c.requestID()
		}
		b, err := json.Marshal(body)
		if err != nil {
			return envelope{}, fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return envelope{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody envelope
		_ = json.Unmarshal(raw, &errBody)
		return envelope{}, &apperrors.TransportError{
			Op:         op,
			Status:     resp.StatusCode,
			VendorCode: errBody.Code,
			Message:    errBody.message(),
		}
	}

	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("decode %s response: %w", op, err)
	}
	if env.Code != http.StatusOK {
		return envelope{}, &apperrors.VendorError{Op: op, Code: env.Code, Message: env.message()}
	}
	return env, nil
}
