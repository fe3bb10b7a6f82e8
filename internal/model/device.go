package model

import (
	"log/slog"
	"strings"
)

// Device is the identity of one Govee device as returned by discovery. It is
// not mutated after discovery; a fresh discovery replaces it wholesale.
type Device struct {
	SKU          string       `json:"sku"`
	ID           string       `json:"device"`
	Name         string       `json:"device_name"`
	Type         string       `json:"type,omitempty"`
	Capabilities []Capability `json:"capabilities"`
}

// NewDevice builds a Device and validates its declared capabilities: entries
// without an instance or with an inverted range are dropped, duplicate
// instances keep the first declaration, and a missing type is filled from the
// instance.
func NewDevice(sku, id, name, typ string, caps []Capability) Device {
	d := Device{
		SKU:  strings.TrimSpace(sku),
		ID:   strings.TrimSpace(id),
		Name: strings.TrimSpace(name),
		Type: strings.TrimSpace(typ),
	}
	seen := make(map[Instance]struct{}, len(caps))
	for _, c := range caps {
		if c.Instance == "" {
			continue
		}
		if _, dup := seen[c.Instance]; dup {
			slog.Debug("duplicate capability dropped", "device", d.ID, "instance", c.Instance)
			continue
		}
		if c.Range != nil && c.Range.Min > c.Range.Max {
			slog.Warn("capability with inverted range dropped", "device", d.ID, "instance", c.Instance, "min", c.Range.Min, "max", c.Range.Max)
			continue
		}
		if c.Type == "" {
			c.Type = c.Instance.DefaultType()
		}
		seen[c.Instance] = struct{}{}
		d.Capabilities = append(d.Capabilities, c)
	}
	return d
}

func (d Device) Capability(inst Instance) (Capability, bool) {
	for _, c := range d.Capabilities {
		if c.Instance == inst {
			return c, true
		}
	}
	return Capability{}, false
}

// Supports reports whether the device may be written on inst. Devices that
// declare no capabilities at all are treated as permissive.
func (d Device) Supports(inst Instance) bool {
	if len(d.Capabilities) == 0 {
		return true
	}
	_, ok := d.Capability(inst)
	return ok
}

// IsLight reports whether the device has an on/off capability.
func (d Device) IsLight() bool {
	for _, c := range d.Capabilities {
		if c.Type == TypeOnOff {
			return true
		}
	}
	return false
}

func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// NormalizeID canonicalises a device id for comparison. Push messages may
// carry the MAC-style id with or without colons.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(id), ":", ""))
}
