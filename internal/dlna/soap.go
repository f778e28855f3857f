package dlna

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"castbridge.app/castbridge/internal/domain"
)

const (
	avTransportService       = "urn:schemas-upnp-org:service:AVTransport:1"
	renderingControlService  = "urn:schemas-upnp-org:service:RenderingControl:1"
	connectionManagerService = "urn:schemas-upnp-org:service:ConnectionManager:1"

	soapEnvelope = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
<u:%s xmlns:u="%s">
%s
</u:%s>
</s:Body>
</s:Envelope>`
)

// soapFault is an explicit fault response from the device, as opposed to a
// transport-level failure.
type soapFault struct {
	HTTPStatus  int
	Code        int
	Description string
}

func (f *soapFault) Error() string {
	return fmt.Sprintf("soap fault %d (http %d): %s", f.Code, f.HTTPStatus, f.Description)
}

// isFormatRejection reports whether the fault means the device refused the
// media format. 714 is "Illegal MIME-Type", 701 "Transition not available";
// renderers also answer with free-text "unsupported" descriptions.
func (f *soapFault) isFormatRejection() bool {
	switch f.Code {
	case 714, 701:
		return true
	}
	desc := strings.ToLower(f.Description)
	return strings.Contains(desc, "unsupported") || strings.Contains(desc, "invalid format")
}

type soapClient struct {
	http *http.Client
}

func newSOAPClient(timeout time.Duration) *soapClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &soapClient{http: &http.Client{Timeout: timeout}}
}

// call posts one SOAP action to controlURL and returns the raw response body.
// Transport failures come back wrapped; device faults come back as *soapFault.
func (c *soapClient) call(ctx context.Context, controlURL, serviceType, action, body string) (string, error) {
	envelope := fmt.Sprintf(soapEnvelope, action, serviceType, body, action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, strings.NewReader(envelope))
	if err != nil {
		return "", errors.Wrap(err, "building soap request")
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf("%q", serviceType+"#"+action))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classifyTransportError(err, action)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrapf(err, "reading %s response", action)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", parseFault(resp.StatusCode, payload)
	}
	return string(payload), nil
}

func classifyTransportError(err error, action string) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewControlError(domain.KindDeviceUnreachable,
			fmt.Sprintf("%s timed out", action))
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.NewControlError(domain.KindDeviceUnreachable,
			fmt.Sprintf("%s canceled: %v", action, err))
	}
	return domain.NewControlError(domain.KindDeviceUnreachable,
		fmt.Sprintf("%s failed: %v", action, err))
}

type faultEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault struct {
			FaultString string `xml:"faultstring"`
			Detail      struct {
				UPnPError struct {
					ErrorCode        int    `xml:"errorCode"`
					ErrorDescription string `xml:"errorDescription"`
				} `xml:"UPnPError"`
			} `xml:"detail"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

func parseFault(status int, payload []byte) error {
	fault := &soapFault{HTTPStatus: status}

	var env faultEnvelope
	if err := xml.Unmarshal(payload, &env); err == nil {
		fault.Code = env.Body.Fault.Detail.UPnPError.ErrorCode
		fault.Description = env.Body.Fault.Detail.UPnPError.ErrorDescription
		if fault.Description == "" {
			fault.Description = env.Body.Fault.FaultString
		}
	}
	if fault.Description == "" {
		fault.Description = http.StatusText(status)
	}
	return fault
}

// extractTag pulls the text of the first occurrence of tag from a SOAP
// response. Renderer responses are shallow enough that this beats mapping
// every vendor's envelope into structs.
func extractTag(response, tag string) string {
	start := "<" + tag + ">"
	end := "</" + tag + ">"
	i := strings.Index(response, start)
	if i < 0 {
		return ""
	}
	rest := response[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:j])
}

// escapeXML renders a value safe for embedding in a SOAP body or DIDL-Lite
// document.
func escapeXML(value string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(value))
	return buf.String()
}
