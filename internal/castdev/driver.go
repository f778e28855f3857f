package castdev

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"castbridge.app/castbridge/internal/adapters"
	"castbridge.app/castbridge/internal/domain"
)

type Config struct {
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	Heartbeat         time.Duration
}

type Driver struct {
	logger *slog.Logger
	dial   adapters.CastDialer
	cfg    Config

	query mdnsQuery
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDriver(logger *slog.Logger, dial adapters.CastDialer, cfg Config) *Driver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 5 * time.Second
	}
	return &Driver{
		logger: logger,
		dial:   dial,
		cfg:    cfg,
		query:  mdns.Query,
		sleep:  waitForBackoff,
	}
}

func (d *Driver) Kind() domain.DeviceKind {
	return domain.DeviceKindCast
}

func (d *Driver) Discover(ctx context.Context, timeout time.Duration) ([]domain.Device, error) {
	return discoverDevices(ctx, d.logger, d.query, timeout)
}

// TestConnection opens and immediately closes a cast channel.
func (d *Driver) TestConnection(ctx context.Context, dev domain.Device) error {
	host, port, err := splitAddress(dev.Address)
	if err != nil {
		return err
	}
	conn := d.dial()
	defer conn.Close()
	return conn.Connect(ctx, host, port)
}

// Connect dials the device and launches the media receiver. The returned
// session owns the heartbeat loop and reconnects on its own; onLost fires
// only when reconnect attempts are exhausted.
func (d *Driver) Connect(ctx context.Context, dev domain.Device, onLost func(error)) (*Session, error) {
	host, port, err := splitAddress(dev.Address)
	if err != nil {
		return nil, err
	}

	s := &Session{
		driver: d,
		device: dev,
		host:   host,
		port:   port,
		onLost: onLost,
		state:  StateConnecting,
		stopCh: make(chan struct{}),
	}
	conn, err := s.bringUp(ctx)
	if err != nil {
		s.setState(StateError)
		return nil, err
	}
	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	go s.heartbeatLoop()
	return s, nil
}

// SessionState tracks where a cast session is in its lifecycle.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateLoading      SessionState = "loading"
	StatePlaying      SessionState = "playing"
	StateError        SessionState = "error"
)

type Session struct {
	driver *Driver
	device domain.Device
	host   string
	port   int
	onLost func(error)

	mu       sync.Mutex
	conn     adapters.CastConn
	state    SessionState
	mediaURL string
	mediaCT  string
	title    string

	stopOnce sync.Once
	stopCh   chan struct{}
}

func (s *Session) Device() domain.Device {
	return s.device
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// bringUp dials a fresh connection and walks it to the connected state.
func (s *Session) bringUp(ctx context.Context) (adapters.CastConn, error) {
	conn := s.driver.dial()
	if err := conn.Connect(ctx, s.host, s.port); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Launch(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Play loads the stream on the receiver. A rejected load keeps the channel
// open so the caller can retry with a different URL.
func (s *Session) Play(ctx context.Context, mediaURL string, station domain.Station) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return domain.NewControlError(domain.KindConnectionLost, "session is not connected")
	}
	s.state = StateLoading
	s.mu.Unlock()

	contentType := station.ContentType()
	if err := conn.Load(ctx, mediaURL, contentType, station.Name); err != nil {
		s.mu.Lock()
		s.state = StateConnected
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.state = StatePlaying
	s.mediaURL = mediaURL
	s.mediaCT = contentType
	s.title = station.Name
	s.mu.Unlock()
	return nil
}

func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return domain.NewControlError(domain.KindConnectionLost, "session is not connected")
	}
	return conn.Pause(ctx)
}

func (s *Session) SetVolume(ctx context.Context, level float64) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return domain.NewControlError(domain.KindConnectionLost, "session is not connected")
	}
	return conn.SetVolume(ctx, level)
}

// Disconnect stops media best-effort and closes the channel. Idempotent.
func (s *Session) Disconnect(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		if err := conn.StopMedia(ctx); err != nil {
			s.driver.logger.Debug("cast_stop_ignored",
				slog.String("device", s.device.Name), slog.String("err", err.Error()))
		}
		conn.Close()
	}
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.driver.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.driver.cfg.Heartbeat)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				continue
			}
			s.driver.logger.Warn("cast_heartbeat_lost",
				slog.String("device", s.device.Name), slog.String("err", err.Error()))
			if !s.reconnect() {
				return
			}
		}
	}
}

// reconnect replaces the dead connection, restoring playback if a stream was
// loaded. Attempts are bounded; exhausting them is terminal for the session.
func (s *Session) reconnect() bool {
	s.mu.Lock()
	old := s.conn
	s.conn = nil
	s.state = StateConnecting
	mediaURL, mediaCT, title := s.mediaURL, s.mediaCT, s.title
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	attempts := s.driver.cfg.ReconnectAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-s.stopCh:
			return false
		default:
		}

		delay := backoffForAttempt(s.driver.cfg.ReconnectBase, s.driver.cfg.ReconnectMax, attempt)
		ctx, cancel := context.WithTimeout(context.Background(), s.driver.cfg.Heartbeat+5*time.Second)
		if err := s.driver.sleep(ctx, delay); err != nil {
			cancel()
			break
		}

		conn, err := s.bringUp(ctx)
		if err != nil {
			cancel()
			s.driver.logger.Warn("cast_reconnect_failed",
				slog.String("device", s.device.Name),
				slog.Int("attempt", attempt),
				slog.String("err", err.Error()))
			continue
		}

		if mediaURL != "" {
			if err := conn.Load(ctx, mediaURL, mediaCT, title); err != nil {
				cancel()
				conn.Close()
				s.driver.logger.Warn("cast_reload_failed",
					slog.String("device", s.device.Name),
					slog.Int("attempt", attempt),
					slog.String("err", err.Error()))
				continue
			}
		}
		cancel()

		s.mu.Lock()
		s.conn = conn
		if mediaURL != "" {
			s.state = StatePlaying
		} else {
			s.state = StateConnected
		}
		s.mu.Unlock()
		s.driver.logger.Info("cast_reconnected",
			slog.String("device", s.device.Name), slog.Int("attempt", attempt))
		return true
	}

	s.setState(StateError)
	if s.onLost != nil {
		s.onLost(domain.NewControlError(domain.KindConnectionLost,
			fmt.Sprintf("%s unreachable after %d reconnect attempts", s.device.Name, attempts)))
	}
	return false
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func backoffForAttempt(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if max > 0 && backoff >= max {
			return max
		}
	}
	if max > 0 && backoff > max {
		return max
	}
	return backoff
}

func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func splitAddress(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, domain.NewControlError(domain.KindDeviceUnreachable,
			"device address is not host:port: "+address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, domain.NewControlError(domain.KindDeviceUnreachable,
			"device port is not numeric: "+address)
	}
	return host, port, nil
}
