package model

import "encoding/json"

// Instance names a capability on a Govee device. The known instances carry a
// fixed value type; anything else is kept as raw JSON.
type Instance string

const (
	PowerSwitch      Instance = "powerSwitch"
	Brightness       Instance = "brightness"
	ColorRGB         Instance = "colorRgb"
	ColorTemperature Instance = "colorTemperatureK"
	Online           Instance = "online"
)

// Capability types as reported by the OpenAPI.
const (
	TypeOnOff        = "devices.capabilities.on_off"
	TypeRange        = "devices.capabilities.range"
	TypeColorSetting = "devices.capabilities.color_setting"
	TypeOnline       = "devices.capabilities.online"
)

const (
	MinBrightness = 1
	MaxBrightness = 100
)

type Capability struct {
	Type     string   `json:"type"`
	Instance Instance `json:"instance"`
	DataType string   `json:"data_type,omitempty"`
	Range    *Range   `json:"range,omitempty"`
	Options  []Option `json:"options,omitempty"`
}

type Range struct {
	Min       int `json:"min"`
	Max       int `json:"max"`
	Precision int `json:"precision,omitempty"`
}

func (r Range) Clamp(v int) int {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

type Option struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

func (i Instance) Known() bool {
	switch i {
	case PowerSwitch, Brightness, ColorRGB, ColorTemperature, Online:
		return true
	}
	return false
}

// Kind is the value type an instance decodes to.
func (i Instance) Kind() Kind {
	switch i {
	case PowerSwitch, Online:
		return KindBool
	case Brightness, ColorRGB, ColorTemperature:
		return KindInt
	}
	return KindRaw
}

// DefaultType is the capability type the OpenAPI pairs with the instance.
func (i Instance) DefaultType() string {
	switch i {
	case PowerSwitch:
		return TypeOnOff
	case Brightness:
		return TypeRange
	case ColorRGB, ColorTemperature:
		return TypeColorSetting
	case Online:
		return TypeOnline
	}
	return ""
}

// RGB is a 24-bit colour. The OpenAPI transports it packed as (r<<16)|(g<<8)|b.
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

func (c RGB) Packed() int {
	return int(c.R)<<16 | int(c.G)<<8 | int(c.B)
}

func RGBFromPacked(v int) RGB {
	return RGB{R: uint8(v >> 16 & 0xff), G: uint8(v >> 8 & 0xff), B: uint8(v & 0xff)}
}
