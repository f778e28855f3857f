package adapters

import "context"

// CastConn is one controllable Chromecast connection. Implementations own
// the TLS channel and the virtual-connection bookkeeping; callers drive the
// session lifecycle in order: Connect, Launch, Load, then media controls.
type CastConn interface {
	Connect(ctx context.Context, addr string, port int) error
	Launch(ctx context.Context) error
	Load(ctx context.Context, mediaURL, contentType, title string) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	StopMedia(ctx context.Context) error
	SetVolume(ctx context.Context, level float64) error
	Ping(ctx context.Context) error
	Close() error
}

// CastDialer creates fresh CastConn instances. Each reconnect attempt gets
// its own connection; a CastConn is never reused after Close.
type CastDialer func() CastConn
