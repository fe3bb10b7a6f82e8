package model

type CapabilityState struct {
	Type     string   `json:"type"`
	Instance Instance `json:"instance"`
	Value    Value    `json:"value"`
}

// Snapshot is the ordered set of capability values for one device at one
// point in time. Methods never mutate the receiver; they return copies.
type Snapshot struct {
	SKU          string            `json:"sku"`
	DeviceID     string            `json:"device"`
	Capabilities []CapabilityState `json:"capabilities"`
}

func (s Snapshot) Clone() Snapshot {
	out := s
	out.Capabilities = append([]CapabilityState(nil), s.Capabilities...)
	return out
}

func (s Snapshot) Get(inst Instance) (CapabilityState, bool) {
	for _, c := range s.Capabilities {
		if c.Instance == inst {
			return c, true
		}
	}
	return CapabilityState{}, false
}

func (s Snapshot) Has(inst Instance) bool {
	_, ok := s.Get(inst)
	return ok
}

// With returns a copy with st stored under its instance, replacing in place
// or appending.
func (s Snapshot) With(st CapabilityState) Snapshot {
	out := s.Clone()
	for i, c := range out.Capabilities {
		if c.Instance == st.Instance {
			if st.Type == "" {
				st.Type = c.Type
			}
			out.Capabilities[i] = st
			return out
		}
	}
	if st.Type == "" {
		st.Type = st.Instance.DefaultType()
	}
	out.Capabilities = append(out.Capabilities, st)
	return out
}

func (s Snapshot) Without(inst Instance) Snapshot {
	out := s
	out.Capabilities = make([]CapabilityState, 0, len(s.Capabilities))
	for _, c := range s.Capabilities {
		if c.Instance != inst {
			out.Capabilities = append(out.Capabilities, c)
		}
	}
	return out
}

func (s Snapshot) Equal(o Snapshot) bool {
	if len(s.Capabilities) != len(o.Capabilities) {
		return false
	}
	for i := range s.Capabilities {
		a, b := s.Capabilities[i], o.Capabilities[i]
		if a.Instance != b.Instance || a.Type != b.Type || !a.Value.Equal(b.Value) {
			return false
		}
	}
	return true
}

// Power is the on/off state; ok is false when unknown.
func (s Snapshot) Power() (on bool, ok bool) {
	c, found := s.Get(PowerSwitch)
	if !found {
		return false, false
	}
	return c.Value.Bool()
}

func (s Snapshot) Brightness() (int, bool) {
	c, found := s.Get(Brightness)
	if !found {
		return 0, false
	}
	return c.Value.Int()
}

func (s Snapshot) Color() (RGB, bool) {
	c, found := s.Get(ColorRGB)
	if !found {
		return RGB{}, false
	}
	v, ok := c.Value.Int()
	if !ok {
		return RGB{}, false
	}
	return RGBFromPacked(v), true
}

func (s Snapshot) Online() (bool, bool) {
	c, found := s.Get(Online)
	if !found {
		return false, false
	}
	return c.Value.Bool()
}
