// Package dlna drives DLNA/UPnP media renderers: SSDP discovery, description
// probing and SOAP transport/rendering control.
package dlna

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	ssdp "github.com/alexballas/go-ssdp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"castbridge.app/castbridge/internal/domain"
)

const (
	mediaRendererType = "urn:schemas-upnp-org:device:MediaRenderer:1"

	reachabilityWait  = 400 * time.Millisecond
	statePollInterval = 4 * time.Second
	pollFailureLimit  = 2
)

type Driver struct {
	logger      *slog.Logger
	callTimeout time.Duration

	search           func(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error)
	fetchDescription func(ctx context.Context, client *retryablehttp.Client, location string) (*description, error)
	dialCheck        func(hostPort string, timeout time.Duration) error
	pollEvery        time.Duration

	httpClient *retryablehttp.Client
	soap       *soapClient
}

func NewDriver(logger *slog.Logger, callTimeout time.Duration) *Driver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 1
	httpClient.HTTPClient.Timeout = callTimeout
	httpClient.Logger = nil

	return &Driver{
		logger:           logger,
		callTimeout:      callTimeout,
		search:           ssdp.Search,
		fetchDescription: fetchDescription,
		dialCheck:        dialCheck,
		pollEvery:        statePollInterval,
		httpClient:       httpClient,
		soap:             newSOAPClient(callTimeout),
	}
}

func (d *Driver) Kind() domain.DeviceKind {
	return domain.DeviceKindDLNA
}

// Discover issues one multicast M-SEARCH and collects renderer responses
// until the timeout elapses. Devices whose description fetch fails are
// dropped, not reported; partial failure is expected on noisy networks.
func (d *Driver) Discover(ctx context.Context, timeout time.Duration) ([]domain.Device, error) {
	waitSec := int(timeout / time.Second)
	if waitSec < 1 {
		waitSec = 1
	}

	type searchResult struct {
		services []ssdp.Service
		err      error
	}
	resultCh := make(chan searchResult, 1)
	go func() {
		services, err := d.search(mediaRendererType, waitSec, "")
		resultCh <- searchResult{services: services, err: err}
	}()

	var services []ssdp.Service
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return nil, domain.NewControlError(domain.KindDiscoveryTimeout,
				"ssdp search failed: "+res.err.Error())
		}
		services = res.services
	}

	seen := map[string]ssdp.Service{}
	for _, svc := range services {
		key := strings.TrimSpace(svc.USN)
		if key == "" {
			key = strings.TrimSpace(svc.Location)
		}
		if key == "" {
			continue
		}
		if _, dup := seen[key]; !dup {
			seen[key] = svc
		}
	}

	var (
		mu      sync.Mutex
		devices []domain.Device
		wg      sync.WaitGroup
	)
	for _, svc := range seen {
		wg.Add(1)
		go func(svc ssdp.Service) {
			defer wg.Done()
			desc, err := d.fetchDescription(ctx, d.httpClient, svc.Location)
			if err != nil {
				d.logger.Debug("dlna_description_skip",
					slog.String("location", svc.Location), slog.String("err", err.Error()))
				return
			}
			dev := domain.Device{
				ID:           deviceID(desc.UDN, svc.Location),
				Name:         desc.FriendlyName,
				Model:        desc.ModelName,
				Kind:         domain.DeviceKindDLNA,
				Address:      svc.Location,
				Capabilities: desc.capabilities(),
				LastSeen:     time.Now(),
			}
			if dev.Name == "" {
				dev.Name = "DLNA Renderer"
			}
			mu.Lock()
			devices = append(devices, dev)
			mu.Unlock()
		}(svc)
	}
	wg.Wait()

	return devices, nil
}

// TestConnection checks TCP reachability of the description endpoint without
// touching transport state.
func (d *Driver) TestConnection(ctx context.Context, dev domain.Device) error {
	parsed, err := url.Parse(dev.Address)
	if err != nil || parsed.Host == "" {
		return domain.NewControlError(domain.KindDeviceUnreachable,
			"device address is not a URL: "+dev.Address)
	}
	hostPort := parsed.Host
	if parsed.Port() == "" {
		hostPort = net.JoinHostPort(parsed.Hostname(), "80")
	}
	if err := d.dialCheck(hostPort, reachabilityWait); err != nil {
		return domain.NewControlError(domain.KindDeviceUnreachable,
			fmt.Sprintf("device %s unreachable: %v", dev.Name, err))
	}
	return nil
}

// Connect fetches fresh control endpoints and prepares the renderer. The
// wake action is best-effort: devices that don't support it ignore it.
func (d *Driver) Connect(ctx context.Context, dev domain.Device, onLost func(error)) (*ControlSession, error) {
	desc, err := d.fetchDescription(ctx, d.httpClient, dev.Address)
	if err != nil {
		return nil, domain.NewControlError(domain.KindDeviceUnreachable,
			fmt.Sprintf("fetching control description for %s: %v", dev.Name, err))
	}

	sess := &ControlSession{
		driver: d,
		device: dev,
		desc:   desc,
		stopCh: make(chan struct{}),
		onLost: onLost,
	}

	if desc.ConnectionManagerControlURL != "" {
		body := "<RemoteProtocolInfo></RemoteProtocolInfo>" +
			"<PeerConnectionManager></PeerConnectionManager>" +
			"<PeerConnectionID>-1</PeerConnectionID>" +
			"<Direction>Input</Direction>"
		if _, err := d.soap.call(ctx, desc.ConnectionManagerControlURL,
			connectionManagerService, "PrepareForConnection", body); err != nil {
			d.logger.Debug("dlna_wake_ignored", slog.String("device", dev.Name),
				slog.String("err", err.Error()))
		}
	}

	if desc.RenderingControlURL != "" {
		sess.volume = d.readVolume(ctx, desc.RenderingControlURL)
	}

	return sess, nil
}

func (d *Driver) readVolume(ctx context.Context, controlURL string) float64 {
	body := "<InstanceID>0</InstanceID><Channel>Master</Channel>"
	resp, err := d.soap.call(ctx, controlURL, renderingControlService, "GetVolume", body)
	if err != nil {
		return 0
	}
	raw := extractTag(resp, "CurrentVolume")
	level, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return level / 100.0
}

// ControlSession is one connected renderer. All control calls run on the
// coordinator's serialized transition path; the state monitor is the only
// concurrent reader.
type ControlSession struct {
	driver *Driver
	device domain.Device
	desc   *description
	onLost func(error)

	volume float64

	mu        sync.Mutex
	lastState string
	playing   bool

	monitorOnce sync.Once
	stopOnce    sync.Once
	stopCh      chan struct{}
}

func (s *ControlSession) Device() domain.Device {
	return s.device
}

func (s *ControlSession) Volume() float64 {
	return s.volume
}

// Play sets the transport URI with DIDL-Lite metadata, then starts playback.
// An explicit SOAP fault is a format rejection, which the coordinator
// resolves with the proxy; a transport failure means the device is gone.
func (s *ControlSession) Play(ctx context.Context, mediaURL string, station domain.Station) error {
	metadata := didlLite(station.Name, station.LogoURL, mediaURL)
	body := fmt.Sprintf(
		"<InstanceID>0</InstanceID><CurrentURI>%s</CurrentURI><CurrentURIMetaData>%s</CurrentURIMetaData>",
		escapeXML(mediaURL), escapeXML(metadata))

	if _, err := s.driver.soap.call(ctx, s.desc.AVTransportControlURL,
		avTransportService, "SetAVTransportURI", body); err != nil {
		return classifyPlayError(err, s.device.Name)
	}

	playBody := "<InstanceID>0</InstanceID><Speed>1</Speed>"
	if _, err := s.driver.soap.call(ctx, s.desc.AVTransportControlURL,
		avTransportService, "Play", playBody); err != nil {
		return classifyPlayError(err, s.device.Name)
	}

	s.mu.Lock()
	s.playing = true
	s.mu.Unlock()
	s.startMonitor()
	return nil
}

func classifyPlayError(err error, deviceName string) error {
	var fault *soapFault
	if errors.As(err, &fault) {
		ce := domain.NewControlError(domain.KindDeviceRejectedFormat,
			fmt.Sprintf("%s rejected the stream: %s", deviceName, fault.Description)).
			WithDetail("soap_error_code", fault.Code)
		if !fault.isFormatRejection() {
			ce.WithDetail("fault_class", "generic")
		}
		return ce
	}
	return err
}

// SetVolume maps level 0.0-1.0 onto the renderer's 0-100 scale. A device
// without rendering control yields Unsupported, not an error state.
func (s *ControlSession) SetVolume(ctx context.Context, level float64) error {
	if s.desc.RenderingControlURL == "" {
		return domain.NewControlError(domain.KindUnsupported,
			s.device.Name+" has no rendering control service")
	}
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	percent := int(level * 100)
	body := fmt.Sprintf(
		"<InstanceID>0</InstanceID><Channel>Master</Channel><DesiredVolume>%d</DesiredVolume>",
		percent)
	if _, err := s.driver.soap.call(ctx, s.desc.RenderingControlURL,
		renderingControlService, "SetVolume", body); err != nil {
		return err
	}
	s.volume = level
	return nil
}

// TransportState returns the renderer's reported transport state.
func (s *ControlSession) TransportState(ctx context.Context) (string, error) {
	body := "<InstanceID>0</InstanceID>"
	resp, err := s.driver.soap.call(ctx, s.desc.AVTransportControlURL,
		avTransportService, "GetTransportInfo", body)
	if err != nil {
		return "", err
	}
	return extractTag(resp, "CurrentTransportState"), nil
}

// Disconnect stops playback best-effort and releases local resources whether
// or not the device acknowledges.
func (s *ControlSession) Disconnect(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })

	body := "<InstanceID>0</InstanceID>"
	if _, err := s.driver.soap.call(ctx, s.desc.AVTransportControlURL,
		avTransportService, "Stop", body); err != nil {
		s.driver.logger.Debug("dlna_stop_ignored",
			slog.String("device", s.device.Name), slog.String("err", err.Error()))
	}
}

// startMonitor polls GetTransportInfo; consecutive failures mean the device
// dropped off the network and demote the session through onLost.
func (s *ControlSession) startMonitor() {
	if s.onLost == nil {
		return
	}
	s.monitorOnce.Do(func() {
		go s.monitor()
	})
}

func (s *ControlSession) monitor() {
	ticker := time.NewTicker(s.driver.pollEvery)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.driver.callTimeout)
			state, err := s.TransportState(ctx)
			cancel()
			if err != nil {
				failures++
				if failures >= pollFailureLimit {
					s.onLost(domain.NewControlError(domain.KindConnectionLost,
						s.device.Name+" stopped answering transport polls"))
					return
				}
				continue
			}
			failures = 0
			s.mu.Lock()
			s.lastState = state
			s.mu.Unlock()
		}
	}
}

func (s *ControlSession) LastTransportState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastState
}

func didlLite(title, logoURL, mediaURL string) string {
	var b strings.Builder
	b.WriteString(`<DIDL-Lite xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/" xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/">`)
	b.WriteString(`<item id="0" parentID="-1" restricted="0">`)
	b.WriteString("<dc:title>" + escapeXML(title) + "</dc:title>")
	b.WriteString("<upnp:class>object.item.audioItem.audioBroadcast</upnp:class>")
	if logoURL != "" {
		b.WriteString("<upnp:albumArtURI>" + escapeXML(logoURL) + "</upnp:albumArtURI>")
	}
	b.WriteString(`<res protocolInfo="http-get:*:audio/mpeg:*">` + escapeXML(mediaURL) + "</res>")
	b.WriteString("</item></DIDL-Lite>")
	return b.String()
}

func deviceID(udn, location string) string {
	udn = strings.TrimPrefix(strings.TrimSpace(udn), "uuid:")
	if udn != "" {
		return "dlna_" + udn
	}
	sum := sha1.Sum([]byte("dlna|" + strings.ToLower(location)))
	return "dlna_" + hex.EncodeToString(sum[:8])
}

func dialCheck(hostPort string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", hostPort, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
