// Package castdev drives Google Cast devices: mDNS discovery and the cast
// session state machine with heartbeat and bounded reconnect.
package castdev

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"castbridge.app/castbridge/internal/domain"
)

const castServiceName = "_googlecast._tcp"

type mdnsQuery func(params *mdns.QueryParam) error

// discoverDevices runs one mDNS query and maps responders to devices. TXT
// records carry the stable id (id), friendly name (fn) and model (md).
func discoverDevices(ctx context.Context, logger *slog.Logger, query mdnsQuery, timeout time.Duration) ([]domain.Device, error) {
	entriesCh := make(chan *mdns.ServiceEntry, 16)
	params := mdns.DefaultParams(castServiceName)
	params.Entries = entriesCh
	params.Timeout = timeout
	params.DisableIPv6 = true

	done := make(chan error, 1)
	go func() {
		defer close(entriesCh)
		done <- query(params)
	}()

	byID := map[string]domain.Device{}
	for entry := range entriesCh {
		dev, ok := deviceFromEntry(entry)
		if !ok {
			logger.Debug("cast_entry_skipped", slog.String("name", entry.Name))
			continue
		}
		byID[dev.ID] = dev
	}

	select {
	case err := <-done:
		if err != nil && len(byID) == 0 {
			return nil, domain.NewControlError(domain.KindDiscoveryTimeout,
				"mdns query failed: "+err.Error())
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	devices := make([]domain.Device, 0, len(byID))
	for _, dev := range byID {
		devices = append(devices, dev)
	}
	return devices, nil
}

func deviceFromEntry(entry *mdns.ServiceEntry) (domain.Device, bool) {
	if entry.AddrV4 == nil || entry.Port == 0 {
		return domain.Device{}, false
	}
	txt := parseTXT(entry.InfoFields)
	address := fmt.Sprintf("%s:%d", entry.AddrV4.String(), entry.Port)

	name := txt["fn"]
	if name == "" {
		name = strings.TrimSuffix(entry.Name, "."+castServiceName+".local.")
	}
	if name == "" {
		name = "Cast Device"
	}

	return domain.Device{
		ID:      castDeviceID(txt["id"], address),
		Name:    name,
		Model:   txt["md"],
		Kind:    domain.DeviceKindCast,
		Address: address,
		Capabilities: domain.Capabilities{
			TransportControl: true,
			VolumeControl:    true,
		},
		LastSeen: time.Now(),
	}, true
}

func parseTXT(fields []string) map[string]string {
	txt := map[string]string{}
	for _, field := range fields {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		txt[key] = value
	}
	return txt
}

func castDeviceID(txtID, address string) string {
	if txtID != "" {
		return "cast_" + txtID
	}
	sum := sha1.Sum([]byte("cast|" + strings.ToLower(address)))
	return "cast_" + hex.EncodeToString(sum[:8])
}
