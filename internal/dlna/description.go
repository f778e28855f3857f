package dlna

import (
	"context"
	"encoding/xml"
	"io"
	"net/url"
	"strings"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"castbridge.app/castbridge/internal/domain"
)

// description holds what the driver needs from a device's description
// document: identity plus resolved control endpoints. The advertised service
// list is the source of truth for the capability set; action sets are never
// hardcoded beyond the services a device actually exposes.
type description struct {
	UDN          string
	FriendlyName string
	ModelName    string

	AVTransportControlURL       string
	RenderingControlURL         string
	ConnectionManagerControlURL string
}

func (d *description) capabilities() domain.Capabilities {
	return domain.Capabilities{
		TransportControl: d.AVTransportControlURL != "",
		VolumeControl:    d.RenderingControlURL != "",
		Wake:             d.ConnectionManagerControlURL != "",
	}
}

type descriptionRoot struct {
	XMLName xml.Name          `xml:"root"`
	Device  descriptionDevice `xml:"device"`
}

type descriptionDevice struct {
	DeviceType   string               `xml:"deviceType"`
	FriendlyName string               `xml:"friendlyName"`
	ModelName    string               `xml:"modelName"`
	UDN          string               `xml:"UDN"`
	Services     []descriptionService `xml:"serviceList>service"`
	Devices      []descriptionDevice  `xml:"deviceList>device"`
}

type descriptionService struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

// fetchDescription downloads and parses the device description advertised in
// an SSDP response. Devices that fail here are dropped from discovery
// results, not surfaced as errors.
func fetchDescription(ctx context.Context, client *retryablehttp.Client, location string) (*description, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", location, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building description request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching description %s", location)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("description %s responded %d", location, resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "reading description body")
	}

	return parseDescription(payload, location)
}

func parseDescription(payload []byte, location string) (*description, error) {
	var root descriptionRoot
	if err := xml.Unmarshal(payload, &root); err != nil {
		return nil, errors.Wrap(err, "parsing description xml")
	}

	base, err := url.Parse(location)
	if err != nil {
		return nil, errors.Wrap(err, "parsing description url")
	}

	desc := &description{
		UDN:          strings.TrimSpace(root.Device.UDN),
		FriendlyName: strings.TrimSpace(root.Device.FriendlyName),
		ModelName:    strings.TrimSpace(root.Device.ModelName),
	}
	collectServices(desc, base, root.Device)

	if desc.AVTransportControlURL == "" {
		return nil, errors.New("description has no AVTransport service")
	}
	return desc, nil
}

// collectServices walks the device tree, embedded devices included; some
// renderers advertise AVTransport only on a sub-device.
func collectServices(desc *description, base *url.URL, dev descriptionDevice) {
	for _, svc := range dev.Services {
		controlURL := resolveControlURL(base, svc.ControlURL)
		if controlURL == "" {
			continue
		}
		switch strings.TrimSpace(svc.ServiceType) {
		case avTransportService:
			if desc.AVTransportControlURL == "" {
				desc.AVTransportControlURL = controlURL
			}
		case renderingControlService:
			if desc.RenderingControlURL == "" {
				desc.RenderingControlURL = controlURL
			}
		case connectionManagerService:
			if desc.ConnectionManagerControlURL == "" {
				desc.ConnectionManagerControlURL = controlURL
			}
		}
	}
	for _, sub := range dev.Devices {
		collectServices(desc, base, sub)
	}
}

func resolveControlURL(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}
