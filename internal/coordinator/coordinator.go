// Package coordinator owns the active playback session: which device is
// selected, whether the proxy is needed, and whether it is running. It is
// the sole mutator of both; drivers and the proxy only report outcomes.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"castbridge.app/castbridge/internal/domain"
)

var transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "castbridge_session_transitions_total",
	Help: "Session state transitions, by resulting state.",
}, []string{"state"})

// DriverSession is one connected device, regardless of protocol.
type DriverSession interface {
	Play(ctx context.Context, mediaURL string, station domain.Station) error
	SetVolume(ctx context.Context, level float64) error
	Disconnect(ctx context.Context)
	Device() domain.Device
}

// DeviceDriver is one protocol backend. onLost fires at most once, after the
// driver has exhausted its own recovery.
type DeviceDriver interface {
	Kind() domain.DeviceKind
	TestConnection(ctx context.Context, dev domain.Device) error
	Connect(ctx context.Context, dev domain.Device, onLost func(error)) (DriverSession, error)
}

// StreamProxy is the transcoding proxy server. Start reuses a healthy
// instance bound to the same source and replaces anything else, returning
// the public URL devices should pull from.
type StreamProxy interface {
	Start(ctx context.Context, sourceURL string, transcode bool) (string, error)
	Stop()
	Source() string
	Running() bool
}

// LocalPlayer renders the station on the host when no device is selected.
type LocalPlayer interface {
	Play(ctx context.Context, station domain.Station) error
	Stop(ctx context.Context) error
	SetVolume(ctx context.Context, level float64) error
}

// NopPlayer satisfies LocalPlayer for headless deployments.
type NopPlayer struct{}

func (NopPlayer) Play(ctx context.Context, station domain.Station) error { return nil }
func (NopPlayer) Stop(ctx context.Context) error                         { return nil }
func (NopPlayer) SetVolume(ctx context.Context, level float64) error     { return nil }

// DeviceSource resolves a device ID against the discovery registry.
type DeviceSource interface {
	Get(id string) (domain.Device, bool)
}

type Coordinator struct {
	logger  *slog.Logger
	drivers map[domain.DeviceKind]DeviceDriver
	proxy   StreamProxy
	local   LocalPlayer
	devices DeviceSource

	// transitionMu serializes whole transitions; a queued request waits for
	// the in-flight one to finish or be cancelled.
	transitionMu sync.Mutex

	mu             sync.Mutex
	sessionID      string
	state          domain.SessionState
	transport      domain.TransportState
	station        *domain.Station
	device         *domain.Device
	sess           DriverSession
	proxyInUse     bool
	volume         float64
	nowPlaying     domain.Metadata
	lastErr        *domain.ControlError
	generation     int
	inflightCancel context.CancelFunc
	subscribers    map[int]chan domain.SessionSnapshot
	nextSubID      int
}

func New(logger *slog.Logger, devices DeviceSource, proxy StreamProxy, local LocalPlayer, drivers ...DeviceDriver) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if local == nil {
		local = NopPlayer{}
	}
	byKind := map[domain.DeviceKind]DeviceDriver{}
	for _, drv := range drivers {
		byKind[drv.Kind()] = drv
	}
	return &Coordinator{
		logger:      logger,
		drivers:     byKind,
		proxy:       proxy,
		local:       local,
		devices:     devices,
		sessionID:   uuid.NewString(),
		state:       domain.SessionLocal,
		transport:   domain.TransportIdle,
		volume:      1.0,
		subscribers: map[int]chan domain.SessionSnapshot{},
	}
}

// Snapshot returns the current observable session state.
func (c *Coordinator) Snapshot() domain.SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a channel of snapshots published on every transition.
// Slow consumers miss intermediate snapshots instead of blocking transitions.
func (c *Coordinator) Subscribe() (<-chan domain.SessionSnapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	ch := make(chan domain.SessionSnapshot, 8)
	c.subscribers[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if existing, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(existing)
		}
	}
}

// SelectDevice connects to a discovered device. Any current session and
// proxy instance are torn down first; if a station is set, playback resumes
// on the new device.
func (c *Coordinator) SelectDevice(ctx context.Context, deviceID string) error {
	dev, ok := c.devices.Get(deviceID)
	if !ok {
		return domain.NewControlError(domain.KindDeviceUnreachable,
			"unknown device: "+deviceID)
	}
	driver, ok := c.drivers[dev.Kind]
	if !ok {
		return domain.NewControlError(domain.KindUnsupported,
			"no driver for device kind "+string(dev.Kind))
	}

	c.cancelInflight()
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()
	ctx, done := c.beginTransition(ctx)
	defer done()

	c.setState(domain.SessionSelectingDevice, domain.TransportIdle)
	c.teardown(ctx)

	if err := driver.TestConnection(ctx, dev); err != nil {
		return c.enterError(err)
	}

	c.mu.Lock()
	c.device = &dev
	c.generation++
	gen := c.generation
	c.mu.Unlock()
	c.setState(domain.SessionConnecting, domain.TransportConnecting)

	sess, err := driver.Connect(ctx, dev, c.lostHandler(gen))
	if err != nil {
		return c.enterError(err)
	}
	c.mu.Lock()
	c.sess = sess
	hasStation := c.station != nil
	c.mu.Unlock()

	if hasStation {
		return c.startStream(ctx)
	}
	return nil
}

// SelectLocal returns playback to the host, releasing the device session and
// the proxy.
func (c *Coordinator) SelectLocal(ctx context.Context) error {
	c.cancelInflight()
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()
	ctx, done := c.beginTransition(ctx)
	defer done()

	c.teardown(ctx)
	c.mu.Lock()
	c.device = nil
	station := c.station
	c.mu.Unlock()

	if station != nil {
		if err := c.local.Play(ctx, *station); err != nil {
			return c.enterError(err)
		}
		c.setState(domain.SessionLocal, domain.TransportPlaying)
		return nil
	}
	c.setState(domain.SessionLocal, domain.TransportIdle)
	return nil
}

// Play binds a station to the current output. With a device selected the
// attempt is two-phase: direct URL first, proxy fallback on a format
// rejection.
func (c *Coordinator) Play(ctx context.Context, station domain.Station) error {
	c.cancelInflight()
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()
	ctx, done := c.beginTransition(ctx)
	defer done()

	c.mu.Lock()
	c.station = &station
	c.sessionID = uuid.NewString()
	c.nowPlaying = domain.Metadata{Title: station.Name}
	sess := c.sess
	dev := c.device
	c.mu.Unlock()

	if dev == nil {
		if err := c.local.Play(ctx, station); err != nil {
			return c.enterError(err)
		}
		c.setState(domain.SessionLocal, domain.TransportPlaying)
		return nil
	}

	if sess == nil {
		// Device selected but not connected (stopped or recovering).
		return c.reconnectAndPlay(ctx, *dev)
	}
	return c.startStream(ctx)
}

// Stop halts playback. The selected device stays selected; its control
// session and the proxy are released.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.cancelInflight()
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()
	ctx, done := c.beginTransition(ctx)
	defer done()

	c.mu.Lock()
	dev := c.device
	c.mu.Unlock()

	if dev == nil {
		if err := c.local.Stop(ctx); err != nil {
			return err
		}
		c.setState(domain.SessionLocal, domain.TransportStopped)
		return nil
	}

	c.teardown(ctx)
	c.setState(domain.SessionSelectingDevice, domain.TransportStopped)
	return nil
}

// SetVolume routes to the device session when one is live, otherwise to the
// local player.
func (c *Coordinator) SetVolume(ctx context.Context, level float64) error {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.SetVolume(ctx, level)
	} else {
		err = c.local.SetVolume(ctx, level)
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.volume = level
	c.mu.Unlock()
	c.publish()
	return nil
}

// Retry re-attempts the last device and station after an error, without
// re-selecting from the UI.
func (c *Coordinator) Retry(ctx context.Context) error {
	c.cancelInflight()
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()
	ctx, done := c.beginTransition(ctx)
	defer done()

	c.mu.Lock()
	if c.state != domain.SessionError {
		c.mu.Unlock()
		return domain.NewControlError(domain.KindInternal, "nothing to retry")
	}
	dev := c.device
	station := c.station
	c.lastErr = nil
	c.mu.Unlock()

	if dev == nil {
		if station == nil {
			c.setState(domain.SessionLocal, domain.TransportIdle)
			return nil
		}
		if err := c.local.Play(ctx, *station); err != nil {
			return c.enterError(err)
		}
		c.setState(domain.SessionLocal, domain.TransportPlaying)
		return nil
	}
	return c.reconnectAndPlay(ctx, *dev)
}

// SetNowPlaying records stream metadata for the observable snapshot.
func (c *Coordinator) SetNowPlaying(md domain.Metadata) {
	c.mu.Lock()
	c.nowPlaying = md
	c.mu.Unlock()
	c.publish()
}

// Close tears everything down. The coordinator is not reusable afterwards.
func (c *Coordinator) Close(ctx context.Context) {
	c.cancelInflight()
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()
	c.teardown(ctx)

	c.mu.Lock()
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
	c.mu.Unlock()
}

func (c *Coordinator) reconnectAndPlay(ctx context.Context, dev domain.Device) error {
	driver, ok := c.drivers[dev.Kind]
	if !ok {
		return c.enterError(domain.NewControlError(domain.KindUnsupported,
			"no driver for device kind "+string(dev.Kind)))
	}

	c.teardown(ctx)
	c.mu.Lock()
	c.device = &dev
	c.generation++
	gen := c.generation
	c.mu.Unlock()
	c.setState(domain.SessionConnecting, domain.TransportConnecting)

	sess, err := driver.Connect(ctx, dev, c.lostHandler(gen))
	if err != nil {
		return c.enterError(err)
	}
	c.mu.Lock()
	c.sess = sess
	hasStation := c.station != nil
	c.mu.Unlock()

	if !hasStation {
		return nil
	}
	return c.startStream(ctx)
}

// startStream is the two-phase play attempt. Phase one hands the device the
// station's own URL; a format rejection moves to phase two, which serves the
// station through the proxy (passthrough for MP3 sources, transcoding
// otherwise).
func (c *Coordinator) startStream(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	station := *c.station
	c.mu.Unlock()

	err := sess.Play(ctx, station.StreamURL, station)
	if err == nil {
		// The direct path leaves no proxy behind.
		if c.proxy.Running() {
			c.proxy.Stop()
		}
		c.mu.Lock()
		c.proxyInUse = false
		c.lastErr = nil
		c.mu.Unlock()
		c.setState(domain.SessionStreamingDirect, domain.TransportPlaying)
		return nil
	}
	if domain.KindOf(err) != domain.KindDeviceRejectedFormat {
		return c.enterError(err)
	}

	c.logger.Info("direct_play_rejected",
		slog.String("station", station.Name),
		slog.String("stream_url", station.StreamURL))

	if c.proxy.Running() && c.proxy.Source() != station.StreamURL {
		c.proxy.Stop()
	}
	transcode := !station.DirectMP3()
	publicURL, err := c.proxy.Start(ctx, station.StreamURL, transcode)
	if err != nil {
		return c.enterError(err)
	}

	if err := sess.Play(ctx, publicURL, station); err != nil {
		c.proxy.Stop()
		return c.enterError(err)
	}
	c.mu.Lock()
	c.proxyInUse = true
	c.lastErr = nil
	c.mu.Unlock()
	c.setState(domain.SessionStreamingProxied, domain.TransportPlaying)
	return nil
}

// teardown releases the driver session, then the proxy. The ordering is
// deliberate: the device must stop pulling before the proxy unbinds.
func (c *Coordinator) teardown(ctx context.Context) {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.proxyInUse = false
	c.generation++
	c.mu.Unlock()

	if sess != nil {
		sess.Disconnect(ctx)
	}
	c.proxy.Stop()
}

// lostHandler demotes the session to Error when the driver reports the
// device gone. The generation check drops reports from sessions already
// replaced by a newer transition.
func (c *Coordinator) lostHandler(gen int) func(error) {
	return func(cause error) {
		go func() {
			c.transitionMu.Lock()
			defer c.transitionMu.Unlock()

			c.mu.Lock()
			stale := gen != c.generation
			c.mu.Unlock()
			if stale {
				return
			}

			c.logger.Warn("device_lost", slog.String("err", cause.Error()))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.enterErrorAfterTeardown(ctx, cause)
		}()
	}
}

func (c *Coordinator) enterError(err error) error {
	ce := domain.AsControlError(err)

	c.mu.Lock()
	c.lastErr = ce
	c.proxyInUse = false
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()

	if sess != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sess.Disconnect(ctx)
		cancel()
	}
	c.proxy.Stop()

	c.setState(domain.SessionError, domain.TransportError)
	return ce
}

func (c *Coordinator) enterErrorAfterTeardown(ctx context.Context, err error) {
	c.teardown(ctx)
	ce := domain.AsControlError(err)
	c.mu.Lock()
	c.lastErr = ce
	c.mu.Unlock()
	c.setState(domain.SessionError, domain.TransportError)
}

// beginTransition installs a cancelable context for the transition so a
// queued request can abandon this one's outstanding waits.
func (c *Coordinator) beginTransition(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.inflightCancel = cancel
	c.mu.Unlock()
	return ctx, func() {
		c.mu.Lock()
		if c.inflightCancel != nil {
			c.inflightCancel()
			c.inflightCancel = nil
		}
		c.mu.Unlock()
	}
}

func (c *Coordinator) cancelInflight() {
	c.mu.Lock()
	if c.inflightCancel != nil {
		c.inflightCancel()
		c.inflightCancel = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) setState(state domain.SessionState, transport domain.TransportState) {
	c.mu.Lock()
	c.state = state
	c.transport = transport
	c.mu.Unlock()
	transitions.WithLabelValues(string(state)).Inc()
	c.publish()
}

func (c *Coordinator) publish() {
	c.mu.Lock()
	snapshot := c.snapshotLocked()
	for _, ch := range c.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) snapshotLocked() domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		ID:         c.sessionID,
		State:      c.state,
		Transport:  c.transport,
		ProxyInUse: c.proxyInUse,
		Volume:     c.volume,
		NowPlaying: c.nowPlaying,
	}
	if c.station != nil {
		station := *c.station
		snap.Station = &station
	}
	if c.device != nil {
		dev := *c.device
		snap.Device = &dev
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr
	}
	return snap
}
