// Package chromecast backs the adapters.CastConn contract with the
// go-chromecast wire protocol: protobuf-framed JSON payloads over TLS 8009.
package chromecast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/pkg/errors"
	"github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"

	"castbridge.app/castbridge/internal/adapters"
	"castbridge.app/castbridge/internal/domain"
)

const (
	// Google's default media receiver application.
	defaultReceiverAppID = "CC1AD845"

	senderID   = "sender-0"
	receiverID = "receiver-0"

	namespaceConn     = "urn:x-cast:com.google.cast.tp.connection"
	namespaceReceiver = "urn:x-cast:com.google.cast.receiver"
	namespaceMedia    = "urn:x-cast:com.google.cast.media"

	callTimeout = 5 * time.Second
)

// Dial returns a fresh unconnected CastConn.
func Dial() adapters.CastConn {
	return &Conn{conn: cast.NewConnection(false)}
}

// Conn is one session against a device. transportID is set once Launch has
// brought up the default receiver; media commands are invalid before that.
type Conn struct {
	conn *cast.Connection

	mu             sync.Mutex
	transportID    string
	mediaSessionID int
	mediaConnected bool
}

var _ adapters.CastConn = (*Conn)(nil)

func (c *Conn) Connect(ctx context.Context, addr string, port int) error {
	if err := c.conn.Start(addr, port); err != nil {
		return domain.NewControlError(domain.KindDeviceUnreachable,
			fmt.Sprintf("opening cast channel to %s:%d: %v", addr, port, err))
	}
	if err := c.conn.Send(&cast.ConnectHeader, senderID, receiverID, namespaceConn); err != nil {
		return domain.NewControlError(domain.KindDeviceUnreachable,
			"establishing virtual connection: "+err.Error())
	}
	return nil
}

// Launch brings up the default media receiver and opens the media channel to
// its transport. Safe to call when the receiver is already running.
func (c *Conn) Launch(ctx context.Context) error {
	status, err := c.receiverStatus(ctx)
	if err != nil {
		return err
	}

	transportID := transportFor(status, defaultReceiverAppID)
	if transportID == "" {
		msg, err := c.sendAndWait(ctx, &cast.LaunchRequest{
			PayloadHeader: cast.LaunchHeader,
			AppId:         defaultReceiverAppID,
		}, receiverID, namespaceReceiver)
		if err != nil {
			return domain.NewControlError(domain.KindDeviceUnreachable,
				"launching media receiver: "+err.Error())
		}
		transportID = transportFromMessage(msg, defaultReceiverAppID)
		if transportID == "" {
			// Launch is acknowledged before the app registers; poll once more.
			status, err = c.receiverStatus(ctx)
			if err != nil {
				return err
			}
			transportID = transportFor(status, defaultReceiverAppID)
		}
	}
	if transportID == "" {
		return domain.NewControlError(domain.KindInternal,
			"media receiver did not report a transport")
	}

	c.mu.Lock()
	c.transportID = transportID
	needConnect := !c.mediaConnected
	c.mediaConnected = true
	c.mu.Unlock()

	if needConnect {
		if err := c.conn.Send(&cast.ConnectHeader, senderID, transportID, namespaceConn); err != nil {
			return domain.NewControlError(domain.KindDeviceUnreachable,
				"connecting to media transport: "+err.Error())
		}
	}
	return nil
}

// classifyLoadResult maps the receiver's answer to a LOAD onto the error
// taxonomy. nil means the load was accepted.
func classifyLoadResult(payload []byte) error {
	msgType, _ := jsonparser.GetString(payload, "type")
	switch msgType {
	case "LOAD_FAILED":
		code, _ := jsonparser.GetInt(payload, "detailedErrorCode")
		if loadFailureIsNetwork(code) {
			return domain.NewControlError(domain.KindDeviceUnreachable,
				"receiver could not fetch the stream").WithDetail("receiver_reason", code)
		}
		return domain.NewControlError(domain.KindDeviceRejectedFormat,
			"receiver rejected the stream").WithDetail("receiver_reason", code)
	case "LOAD_CANCELLED":
		return domain.NewControlError(domain.KindInternal, "load was cancelled by another sender")
	}
	return nil
}

// loadFailureIsNetwork reports whether a LOAD_FAILED detailedErrorCode
// describes a fetch problem rather than an unplayable format. 103 is
// MEDIA_NETWORK; the 3xx block covers segment and manifest download errors.
func loadFailureIsNetwork(code int64) bool {
	return code == 103 || (code >= 300 && code < 400)
}

// Load starts playback of a live stream. LOAD_FAILED answers are split by
// detailedErrorCode: fetch problems surface as unreachable, everything else
// as a format rejection.
func (c *Conn) Load(ctx context.Context, mediaURL, contentType, title string) error {
	transportID, err := c.requireTransport()
	if err != nil {
		return err
	}

	msg, err := c.sendAndWait(ctx, &cast.LoadMediaCommand{
		PayloadHeader: cast.LoadHeader,
		CurrentTime:   0,
		Autoplay:      true,
		Media: cast.MediaItem{
			ContentId:   mediaURL,
			StreamType:  "LIVE",
			ContentType: contentType,
		},
	}, transportID, namespaceMedia)
	if err != nil {
		return domain.NewControlError(domain.KindDeviceUnreachable,
			"sending load command: "+err.Error())
	}

	payload := payloadBytes(msg)
	if err := classifyLoadResult(payload); err != nil {
		return err
	}

	if sessionID, err := jsonparser.GetInt(payload, "status", "[0]", "mediaSessionId"); err == nil {
		c.mu.Lock()
		c.mediaSessionID = int(sessionID)
		c.mu.Unlock()
	}
	return nil
}

func (c *Conn) Play(ctx context.Context) error {
	return c.mediaCommand(ctx, cast.PlayHeader)
}

func (c *Conn) Pause(ctx context.Context) error {
	return c.mediaCommand(ctx, cast.PauseHeader)
}

func (c *Conn) StopMedia(ctx context.Context) error {
	return c.mediaCommand(ctx, cast.StopHeader)
}

func (c *Conn) mediaCommand(ctx context.Context, header cast.PayloadHeader) error {
	transportID, err := c.requireTransport()
	if err != nil {
		return err
	}
	c.mu.Lock()
	sessionID := c.mediaSessionID
	c.mu.Unlock()

	if err := c.conn.Send(&cast.MediaHeader{
		PayloadHeader:  header,
		MediaSessionId: sessionID,
	}, senderID, transportID, namespaceMedia); err != nil {
		return domain.NewControlError(domain.KindDeviceUnreachable,
			header.Type+" failed: "+err.Error())
	}
	return nil
}

func (c *Conn) SetVolume(ctx context.Context, level float64) error {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	if err := c.conn.Send(&cast.SetVolume{
		PayloadHeader: cast.VolumeHeader,
		Volume:        cast.Volume{Level: float32(level)},
	}, senderID, receiverID, namespaceReceiver); err != nil {
		return domain.NewControlError(domain.KindDeviceUnreachable,
			"setting volume: "+err.Error())
	}
	return nil
}

// Ping verifies the device still answers on the receiver channel.
func (c *Conn) Ping(ctx context.Context) error {
	if _, err := c.receiverStatus(ctx); err != nil {
		return domain.NewControlError(domain.KindConnectionLost,
			"status poll failed: "+err.Error())
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	transportID := c.transportID
	c.mu.Unlock()

	if transportID != "" {
		_ = c.conn.Send(&cast.CloseHeader, senderID, transportID, namespaceConn)
	}
	_ = c.conn.Send(&cast.CloseHeader, senderID, receiverID, namespaceConn)
	return c.conn.Close()
}

func (c *Conn) requireTransport() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transportID == "" {
		return "", domain.NewControlError(domain.KindInternal,
			"no media transport; launch the receiver first")
	}
	return c.transportID, nil
}

func (c *Conn) receiverStatus(ctx context.Context) ([]byte, error) {
	msg, err := c.sendAndWait(ctx, &cast.GetStatusHeader, receiverID, namespaceReceiver)
	if err != nil {
		return nil, errors.Wrap(err, "receiver status")
	}
	return payloadBytes(msg), nil
}

func (c *Conn) sendAndWait(ctx context.Context, payload cast.Payload, destinationID, namespace string) (*pb.CastMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return c.conn.SendAndWait(ctx, payload, senderID, destinationID, namespace)
}

func transportFromMessage(msg *pb.CastMessage, appID string) string {
	return transportFor(payloadBytes(msg), appID)
}

// transportFor digs the transportId of appID out of a RECEIVER_STATUS
// payload.
func transportFor(status []byte, appID string) string {
	var transportID string
	_, _ = jsonparser.ArrayEach(status, func(value []byte, dataType jsonparser.ValueType, offset int, err error) {
		id, _ := jsonparser.GetString(value, "appId")
		if id != appID {
			return
		}
		if tid, err := jsonparser.GetString(value, "transportId"); err == nil {
			transportID = tid
		}
	}, "status", "applications")
	return transportID
}

func payloadBytes(msg *pb.CastMessage) []byte {
	if msg == nil || msg.PayloadUtf8 == nil {
		return nil
	}
	return []byte(*msg.PayloadUtf8)
}
