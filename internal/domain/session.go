package domain

// TransportState is the device-facing playback state of the live session.
type TransportState string

const (
	TransportIdle       TransportState = "idle"
	TransportConnecting TransportState = "connecting"
	TransportPlaying    TransportState = "playing"
	TransportPaused     TransportState = "paused"
	TransportStopped    TransportState = "stopped"
	TransportError      TransportState = "error"
)

// SessionState is the coordinator's state machine position.
type SessionState string

const (
	SessionLocal            SessionState = "local"
	SessionSelectingDevice  SessionState = "selecting_device"
	SessionConnecting       SessionState = "connecting"
	SessionStreamingDirect  SessionState = "streaming_direct"
	SessionStreamingProxied SessionState = "streaming_proxied"
	SessionError            SessionState = "error"
)

// Metadata is the now-playing information forwarded from the local player.
type Metadata struct {
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
}

// SessionSnapshot is the observable summary of the single live
// PlaybackSession, published to the UI and remote-control surfaces.
type SessionSnapshot struct {
	ID         string         `json:"id"`
	State      SessionState   `json:"state"`
	Transport  TransportState `json:"transport"`
	Station    *Station       `json:"station,omitempty"`
	Device     *Device        `json:"device,omitempty"`
	ProxyInUse bool           `json:"proxy_in_use"`
	Volume     float64        `json:"volume"`
	NowPlaying Metadata       `json:"now_playing"`
	LastError  *ControlError  `json:"last_error,omitempty"`
}
