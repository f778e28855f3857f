package castdev

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/mdns"

	"castbridge.app/castbridge/internal/adapters"
	"castbridge.app/castbridge/internal/domain"
)

type loadCall struct {
	URL         string
	ContentType string
	Title       string
}

type fakeConn struct {
	mu         sync.Mutex
	calls      []string
	loads      []loadCall
	connectErr error
	launchErr  error
	loadErr    error
	pingErr    error
	closed     bool
}

func (f *fakeConn) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeConn) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeConn) Connect(ctx context.Context, addr string, port int) error {
	f.record("connect")
	return f.connectErr
}

func (f *fakeConn) Launch(ctx context.Context) error {
	f.record("launch")
	return f.launchErr
}

func (f *fakeConn) Load(ctx context.Context, mediaURL, contentType, title string) error {
	f.record("load")
	f.mu.Lock()
	f.loads = append(f.loads, loadCall{URL: mediaURL, ContentType: contentType, Title: title})
	err := f.loadErr
	f.mu.Unlock()
	return err
}

func (f *fakeConn) Play(ctx context.Context) error      { f.record("play"); return nil }
func (f *fakeConn) Pause(ctx context.Context) error     { f.record("pause"); return nil }
func (f *fakeConn) StopMedia(ctx context.Context) error { f.record("stop_media"); return nil }

func (f *fakeConn) SetVolume(ctx context.Context, level float64) error {
	f.record("set_volume")
	return nil
}

func (f *fakeConn) Ping(ctx context.Context) error {
	f.record("ping")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeConn) Close() error {
	f.record("close")
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) setPingErr(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

// connQueue hands out scripted connections, one per dial.
type connQueue struct {
	mu    sync.Mutex
	conns []*fakeConn
	index int
}

func (q *connQueue) dial() adapters.CastConn {
	q.mu.Lock()
	defer q.mu.Unlock()
	conn := q.conns[q.index%len(q.conns)]
	q.index++
	return conn
}

func (q *connQueue) dials() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.index
}

func testDevice() domain.Device {
	return domain.Device{
		ID:      "cast_abc",
		Name:    "Kitchen Speaker",
		Kind:    domain.DeviceKindCast,
		Address: "192.168.1.50:8009",
	}
}

func newTestDriver(t *testing.T, queue *connQueue, cfg Config) *Driver {
	t.Helper()
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Millisecond
	}
	d := NewDriver(slog.New(slog.DiscardHandler), queue.dial, cfg)
	d.sleep = func(ctx context.Context, delay time.Duration) error { return nil }
	return d
}

func TestConnectLaunchesReceiver(t *testing.T) {
	conn := &fakeConn{}
	queue := &connQueue{conns: []*fakeConn{conn}}
	d := newTestDriver(t, queue, Config{ReconnectAttempts: 1, Heartbeat: time.Hour})

	sess, err := d.Connect(context.Background(), testDevice(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect(context.Background())

	calls := conn.callNames()
	if len(calls) < 2 || calls[0] != "connect" || calls[1] != "launch" {
		t.Fatalf("call order = %v", calls)
	}
	if sess.State() != StateConnected {
		t.Errorf("state = %v", sess.State())
	}
}

func TestConnectFailureClosesConn(t *testing.T) {
	conn := &fakeConn{connectErr: domain.NewControlError(domain.KindDeviceUnreachable, "refused")}
	queue := &connQueue{conns: []*fakeConn{conn}}
	d := newTestDriver(t, queue, Config{ReconnectAttempts: 1, Heartbeat: time.Hour})

	_, err := d.Connect(context.Background(), testDevice(), nil)
	if domain.KindOf(err) != domain.KindDeviceUnreachable {
		t.Fatalf("kind = %v", domain.KindOf(err))
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("failed connection left open")
	}
}

func TestConnectRejectsBadAddress(t *testing.T) {
	d := newTestDriver(t, &connQueue{conns: []*fakeConn{{}}}, Config{Heartbeat: time.Hour})
	dev := testDevice()
	dev.Address = "not-an-address"
	if _, err := d.Connect(context.Background(), dev, nil); domain.KindOf(err) != domain.KindDeviceUnreachable {
		t.Fatalf("kind = %v", domain.KindOf(err))
	}
}

func TestPlayLoadsLiveStream(t *testing.T) {
	conn := &fakeConn{}
	queue := &connQueue{conns: []*fakeConn{conn}}
	d := newTestDriver(t, queue, Config{ReconnectAttempts: 1, Heartbeat: time.Hour})

	sess, err := d.Connect(context.Background(), testDevice(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect(context.Background())

	station := domain.Station{Name: "Morning Jazz", StreamURL: "http://radio/live.mp3"}
	if err := sess.Play(context.Background(), "http://10.0.0.5:8080/stream.mp3", station); err != nil {
		t.Fatalf("Play: %v", err)
	}

	conn.mu.Lock()
	loads := append([]loadCall(nil), conn.loads...)
	conn.mu.Unlock()
	if len(loads) != 1 {
		t.Fatalf("loads = %d", len(loads))
	}
	if loads[0].URL != "http://10.0.0.5:8080/stream.mp3" {
		t.Errorf("load URL = %q", loads[0].URL)
	}
	if loads[0].ContentType != "audio/mpeg" {
		t.Errorf("content type = %q", loads[0].ContentType)
	}
	if sess.State() != StatePlaying {
		t.Errorf("state = %v", sess.State())
	}
}

func TestPlayRejectionKeepsChannelOpen(t *testing.T) {
	conn := &fakeConn{loadErr: domain.NewControlError(domain.KindDeviceRejectedFormat, "LOAD_FAILED")}
	queue := &connQueue{conns: []*fakeConn{conn}}
	d := newTestDriver(t, queue, Config{ReconnectAttempts: 1, Heartbeat: time.Hour})

	sess, err := d.Connect(context.Background(), testDevice(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect(context.Background())

	err = sess.Play(context.Background(), "http://radio/live.flac", domain.Station{Name: "X", StreamURL: "http://radio/live.flac"})
	if domain.KindOf(err) != domain.KindDeviceRejectedFormat {
		t.Fatalf("kind = %v", domain.KindOf(err))
	}
	if sess.State() != StateConnected {
		t.Errorf("state after rejection = %v, want connected", sess.State())
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if closed {
		t.Error("rejected load closed the channel")
	}
}

func TestPlayNetworkFailureSurfacesUnreachable(t *testing.T) {
	conn := &fakeConn{loadErr: domain.NewControlError(domain.KindDeviceUnreachable,
		"receiver could not fetch the stream")}
	queue := &connQueue{conns: []*fakeConn{conn}}
	d := newTestDriver(t, queue, Config{ReconnectAttempts: 1, Heartbeat: time.Hour})

	sess, err := d.Connect(context.Background(), testDevice(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect(context.Background())

	err = sess.Play(context.Background(), "http://radio/live.m3u8", domain.Station{Name: "X", StreamURL: "http://radio/live.m3u8"})
	if domain.KindOf(err) != domain.KindDeviceUnreachable {
		t.Fatalf("kind = %v, want unreachable", domain.KindOf(err))
	}
	if sess.State() != StateConnected {
		t.Errorf("state after failed load = %v, want connected", sess.State())
	}
}

func TestHeartbeatReconnectsAndReloads(t *testing.T) {
	dead := &fakeConn{}
	fresh := &fakeConn{}
	queue := &connQueue{conns: []*fakeConn{dead, fresh}}
	d := newTestDriver(t, queue, Config{
		ReconnectAttempts: 3,
		ReconnectBase:     time.Millisecond,
		ReconnectMax:      5 * time.Millisecond,
		Heartbeat:         10 * time.Millisecond,
	})

	lost := make(chan error, 1)
	sess, err := d.Connect(context.Background(), testDevice(), func(err error) { lost <- err })
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect(context.Background())

	station := domain.Station{Name: "X", StreamURL: "http://radio/live.mp3"}
	if err := sess.Play(context.Background(), "http://radio/live.mp3", station); err != nil {
		t.Fatalf("Play: %v", err)
	}

	dead.setPingErr(domain.NewControlError(domain.KindConnectionLost, "gone"))

	deadline := time.After(2 * time.Second)
	for sess.State() != StatePlaying || queue.dials() < 2 {
		select {
		case <-deadline:
			t.Fatalf("never reconnected: state=%v dials=%d", sess.State(), queue.dials())
		case <-time.After(5 * time.Millisecond):
		}
	}

	fresh.mu.Lock()
	reloads := len(fresh.loads)
	fresh.mu.Unlock()
	if reloads != 1 {
		t.Errorf("stream not reloaded on new connection: loads=%d", reloads)
	}
	select {
	case err := <-lost:
		t.Fatalf("onLost fired despite successful reconnect: %v", err)
	default:
	}
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	dead := &fakeConn{}
	refused := &fakeConn{connectErr: domain.NewControlError(domain.KindDeviceUnreachable, "refused")}
	queue := &connQueue{conns: []*fakeConn{dead, refused, refused, refused}}
	d := newTestDriver(t, queue, Config{
		ReconnectAttempts: 2,
		ReconnectBase:     time.Millisecond,
		Heartbeat:         10 * time.Millisecond,
	})

	lost := make(chan error, 1)
	sess, err := d.Connect(context.Background(), testDevice(), func(err error) { lost <- err })
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect(context.Background())

	dead.setPingErr(domain.NewControlError(domain.KindConnectionLost, "gone"))

	select {
	case err := <-lost:
		if domain.KindOf(err) != domain.KindConnectionLost {
			t.Errorf("kind = %v", domain.KindOf(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onLost never fired")
	}
	if sess.State() != StateError {
		t.Errorf("state = %v, want error", sess.State())
	}
}

func TestZeroReconnectAttemptsFailsImmediately(t *testing.T) {
	dead := &fakeConn{}
	queue := &connQueue{conns: []*fakeConn{dead}}
	d := newTestDriver(t, queue, Config{ReconnectAttempts: 0, Heartbeat: 10 * time.Millisecond})

	lost := make(chan error, 1)
	sess, err := d.Connect(context.Background(), testDevice(), func(err error) { lost <- err })
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Disconnect(context.Background())

	dials := queue.dials()
	dead.setPingErr(domain.NewControlError(domain.KindConnectionLost, "gone"))

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("onLost never fired")
	}
	if queue.dials() != dials {
		t.Errorf("reconnect was attempted with zero budget")
	}
}

func TestDisconnectStopsMediaAndCloses(t *testing.T) {
	conn := &fakeConn{}
	queue := &connQueue{conns: []*fakeConn{conn}}
	d := newTestDriver(t, queue, Config{ReconnectAttempts: 1, Heartbeat: time.Hour})

	sess, err := d.Connect(context.Background(), testDevice(), nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sess.Disconnect(context.Background())
	calls := conn.callNames()
	var sawStop, sawClose bool
	for _, c := range calls {
		if c == "stop_media" {
			sawStop = true
		}
		if c == "close" {
			sawClose = true
		}
	}
	if !sawStop || !sawClose {
		t.Errorf("disconnect calls = %v", calls)
	}
	if sess.State() != StateDisconnected {
		t.Errorf("state = %v", sess.State())
	}

	sess.Disconnect(context.Background())
}

func TestBackoffForAttempt(t *testing.T) {
	cases := []struct {
		base, max time.Duration
		attempt   int
		want      time.Duration
	}{
		{0, time.Second, 3, 0},
		{time.Second, 0, 1, time.Second},
		{time.Second, 0, 3, 4 * time.Second},
		{time.Second, 3 * time.Second, 4, 3 * time.Second},
		{time.Second, 10 * time.Second, 2, 2 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffForAttempt(tc.base, tc.max, tc.attempt); got != tc.want {
			t.Errorf("backoffForAttempt(%v,%v,%d) = %v, want %v",
				tc.base, tc.max, tc.attempt, got, tc.want)
		}
	}
}

func TestDeviceFromEntry(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Name:   "Kitchen._googlecast._tcp.local.",
		AddrV4: net.ParseIP("192.168.1.50"),
		Port:   8009,
		InfoFields: []string{
			"id=0123abcd",
			"fn=Kitchen Speaker",
			"md=Google Home Mini",
			"rs",
		},
	}
	dev, ok := deviceFromEntry(entry)
	if !ok {
		t.Fatal("entry rejected")
	}
	if dev.ID != "cast_0123abcd" {
		t.Errorf("ID = %q", dev.ID)
	}
	if dev.Name != "Kitchen Speaker" || dev.Model != "Google Home Mini" {
		t.Errorf("name/model = %q/%q", dev.Name, dev.Model)
	}
	if dev.Address != "192.168.1.50:8009" {
		t.Errorf("address = %q", dev.Address)
	}
	if !dev.Capabilities.VolumeControl || !dev.Capabilities.TransportControl {
		t.Errorf("capabilities = %+v", dev.Capabilities)
	}
}

func TestDeviceFromEntryWithoutAddress(t *testing.T) {
	if _, ok := deviceFromEntry(&mdns.ServiceEntry{Name: "ghost"}); ok {
		t.Error("entry without address accepted")
	}
}
