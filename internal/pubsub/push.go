package pubsub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
)

// PushEvent is one decoded broker message: a partial state update for a
// single device.
type PushEvent struct {
	Session      string
	Topic        string
	SKU          string
	DeviceID     string
	Capabilities []model.CapabilityState
}

// EventSink receives decoded push events.
type EventSink func(PushEvent)

var errNoState = errors.New("message carries no device state")

type pushEnvelope struct {
	SKU          string          `json:"sku"`
	Device       string          `json:"device"`
	Cmd          string          `json:"cmd"`
	Capabilities []pushCap       `json:"capabilities"`
	State        json.RawMessage `json:"state"`
	Msg          json.RawMessage `json:"msg"`
}

type pushCap struct {
	Type     string          `json:"type"`
	Instance string          `json:"instance"`
	State    json.RawMessage `json:"state"`
}

type appState struct {
	OnOff      json.RawMessage `json:"onOff"`
	Brightness json.RawMessage `json:"brightness"`
	Color      *struct {
		R int `json:"r"`
		G int `json:"g"`
		B int `json:"b"`
	} `json:"color"`
	ColorTemInKelvin json.RawMessage `json:"colorTemInKelvin"`
}

// DecodePush understands the OpenAPI capability form and the app state form,
// optionally wrapped in a "msg" field that may itself be a JSON string.
func DecodePush(payload []byte) (PushEvent, error) {
	var env pushEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return PushEvent{}, fmt.Errorf("decode push: %w", err)
	}
	if inner := unwrapMsg(env.Msg); inner != nil && len(env.Capabilities) == 0 && len(env.State) == 0 {
		ev, err := DecodePush(inner)
		if err != nil {
			return PushEvent{}, err
		}
		if ev.DeviceID == "" {
			ev.DeviceID = env.Device
		}
		if ev.SKU == "" {
			ev.SKU = env.SKU
		}
		return ev, nil
	}

	ev := PushEvent{SKU: env.SKU, DeviceID: env.Device}
	switch {
	case len(env.Capabilities) > 0:
		for _, pc := range env.Capabilities {
			st, ok := decodeCapability(pc)
			if ok {
				ev.Capabilities = append(ev.Capabilities, st)
			}
		}
	case len(env.State) > 0 && !bytes.Equal(env.State, []byte("null")):
		caps, err := decodeAppState(env.State)
		if err != nil {
			return PushEvent{}, err
		}
		ev.Capabilities = caps
	}
	if len(ev.Capabilities) == 0 {
		return ev, errNoState
	}
	return ev, nil
}

func unwrapMsg(raw json.RawMessage) []byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		return []byte(s)
	}
	if raw[0] == '{' {
		return raw
	}
	return nil
}

func decodeCapability(pc pushCap) (model.CapabilityState, bool) {
	if pc.Instance == "" {
		return model.CapabilityState{}, false
	}
	inst := model.Instance(pc.Instance)
	raw := bytes.TrimSpace(pc.State)
	if len(raw) == 0 {
		return model.CapabilityState{}, false
	}

	var value json.RawMessage
	switch raw[0] {
	case '{':
		var s struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(raw, &s); err != nil {
			return model.CapabilityState{}, false
		}
		value = s.Value
	case '[':
		// Event instances push a list of named values; known instances take
		// the entry named after themselves or the first one.
		var list []struct {
			Name  string          `json:"name"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
			return model.CapabilityState{}, false
		}
		if !inst.Known() {
			value = raw
			break
		}
		value = list[0].Value
		for _, e := range list {
			if e.Name == pc.Instance {
				value = e.Value
				break
			}
		}
	default:
		value = raw
	}

	v, err := model.DecodeValue(inst, value)
	if err != nil || !v.IsSet() {
		if err != nil {
			slog.Debug("push value skipped", "instance", inst, "error", err)
		}
		return model.CapabilityState{}, false
	}
	typ := pc.Type
	if typ == "" {
		typ = inst.DefaultType()
	}
	return model.CapabilityState{Type: typ, Instance: inst, Value: v}, true
}

func decodeAppState(raw json.RawMessage) ([]model.CapabilityState, error) {
	var st appState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode push state: %w", err)
	}
	var out []model.CapabilityState
	add := func(inst model.Instance, raw json.RawMessage) {
		if len(raw) == 0 {
			return
		}
		v, err := model.DecodeValue(inst, raw)
		if err != nil || !v.IsSet() {
			return
		}
		out = append(out, model.CapabilityState{Type: inst.DefaultType(), Instance: inst, Value: v})
	}
	add(model.PowerSwitch, st.OnOff)
	add(model.Brightness, st.Brightness)
	if st.Color != nil {
		rgb := model.RGB{R: clampByte(st.Color.R), G: clampByte(st.Color.G), B: clampByte(st.Color.B)}
		out = append(out, model.CapabilityState{Type: model.TypeColorSetting, Instance: model.ColorRGB, Value: model.IntValue(rgb.Packed())})
	}
	// 0 kelvin means the device is in colour mode.
	if v, err := model.DecodeValue(model.ColorTemperature, st.ColorTemInKelvin); err == nil {
		if k, ok := v.Int(); ok && k > 0 {
			out = append(out, model.CapabilityState{Type: model.TypeColorSetting, Instance: model.ColorTemperature, Value: v})
		}
	}
	return out, nil
}

func clampByte(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
