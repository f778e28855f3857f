package domain

import "time"

type DeviceKind string

const (
	DeviceKindDLNA DeviceKind = "dlna"
	DeviceKindCast DeviceKind = "cast"
)

// Device is a discovered network render target. Drivers create and refresh
// devices; everything else holds read-only copies.
type Device struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Model        string       `json:"model,omitempty"`
	Kind         DeviceKind   `json:"kind"`
	Address      string       `json:"address"`
	Capabilities Capabilities `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
}

// Capabilities is the control-action surface a device advertised during
// discovery. Absent capabilities yield Unsupported outcomes, not errors.
type Capabilities struct {
	TransportControl bool `json:"transport_control"`
	VolumeControl    bool `json:"volume_control"`
	Wake             bool `json:"wake"`
}
