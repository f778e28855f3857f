// Package discovery merges device reports from the protocol drivers into a
// stable registry keyed by device ID.
package discovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"castbridge.app/castbridge/internal/domain"
)

var knownDevices = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "castbridge_discovery_devices",
	Help: "Devices currently present in the registry, by kind.",
}, []string{"kind"})

// Driver is one discovery backend (DLNA or Cast).
type Driver interface {
	Kind() domain.DeviceKind
	Discover(ctx context.Context, timeout time.Duration) ([]domain.Device, error)
}

type trackedDevice struct {
	device      domain.Device
	missedScans int
}

// Registry holds the merged device list across scans. A device missing from
// a scan is not dropped immediately; transient mDNS and SSDP misses are
// common, so absence must persist for absentAfterScans consecutive scans.
type Registry struct {
	logger           *slog.Logger
	drivers          []Driver
	timeout          time.Duration
	absentAfterScans int

	mu    sync.Mutex
	known map[string]*trackedDevice
}

func NewRegistry(logger *slog.Logger, timeout time.Duration, absentAfterScans int, drivers ...Driver) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if timeout <= 0 {
		timeout = 2500 * time.Millisecond
	}
	if absentAfterScans <= 0 {
		absentAfterScans = 2
	}
	return &Registry{
		logger:           logger,
		drivers:          drivers,
		timeout:          timeout,
		absentAfterScans: absentAfterScans,
		known:            map[string]*trackedDevice{},
	}
}

// Scan runs every driver once and folds the results into the registry.
// A single failing driver degrades the scan, it does not fail it; the scan
// errors only when no driver produced anything.
func (r *Registry) Scan(ctx context.Context) ([]domain.Device, error) {
	type driverResult struct {
		kind    domain.DeviceKind
		devices []domain.Device
		err     error
	}

	resultCh := make(chan driverResult, len(r.drivers))
	for _, drv := range r.drivers {
		go func(drv Driver) {
			found, err := drv.Discover(ctx, r.timeout)
			resultCh <- driverResult{kind: drv.Kind(), devices: found, err: err}
		}(drv)
	}

	var (
		found    []domain.Device
		failures int
		firstErr error
	)
	for range r.drivers {
		res := <-resultCh
		if res.err != nil {
			failures++
			if firstErr == nil {
				firstErr = res.err
			}
			r.logger.Warn("discovery_driver_failed",
				slog.String("kind", string(res.kind)), slog.String("err", res.err.Error()))
			continue
		}
		found = append(found, res.devices...)
	}
	if failures == len(r.drivers) && len(r.drivers) > 0 {
		return nil, firstErr
	}

	return r.merge(found), nil
}

func (r *Registry) merge(found []domain.Device) []domain.Device {
	now := time.Now()
	present := map[string]bool{}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dev := range found {
		if dev.ID == "" {
			dev.ID = fallbackID(dev)
		}
		dev.LastSeen = now
		present[dev.ID] = true
		if tracked, ok := r.known[dev.ID]; ok {
			tracked.device = dev
			tracked.missedScans = 0
		} else {
			r.known[dev.ID] = &trackedDevice{device: dev}
		}
	}

	for id, tracked := range r.known {
		if present[id] {
			continue
		}
		tracked.missedScans++
		if tracked.missedScans >= r.absentAfterScans {
			r.logger.Info("device_expired",
				slog.String("id", id), slog.String("name", tracked.device.Name))
			delete(r.known, id)
		}
	}

	r.updateMetricsLocked()
	return r.snapshotLocked()
}

// Devices returns the current registry contents without scanning.
func (r *Registry) Devices() []domain.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Get looks a device up by ID.
func (r *Registry) Get(id string) (domain.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tracked, ok := r.known[id]
	if !ok {
		return domain.Device{}, false
	}
	return tracked.device, true
}

func (r *Registry) snapshotLocked() []domain.Device {
	devices := make([]domain.Device, 0, len(r.known))
	for _, tracked := range r.known {
		devices = append(devices, tracked.device)
	}
	sortDevices(devices)
	return devices
}

func (r *Registry) updateMetricsLocked() {
	counts := map[domain.DeviceKind]int{}
	for _, tracked := range r.known {
		counts[tracked.device.Kind]++
	}
	for _, kind := range []domain.DeviceKind{domain.DeviceKindDLNA, domain.DeviceKindCast} {
		knownDevices.WithLabelValues(string(kind)).Set(float64(counts[kind]))
	}
}

func sortDevices(all []domain.Device) {
	sort.Slice(all, func(i, j int) bool {
		if kindRank(all[i].Kind) != kindRank(all[j].Kind) {
			return kindRank(all[i].Kind) < kindRank(all[j].Kind)
		}
		if strings.ToLower(all[i].Name) != strings.ToLower(all[j].Name) {
			return strings.ToLower(all[i].Name) < strings.ToLower(all[j].Name)
		}
		return all[i].ID < all[j].ID
	})
}

func kindRank(kind domain.DeviceKind) int {
	switch kind {
	case domain.DeviceKindDLNA:
		return 0
	case domain.DeviceKindCast:
		return 1
	default:
		return 2
	}
}

func fallbackID(dev domain.Device) string {
	canonical := fmt.Sprintf("%s|%s", dev.Kind, strings.ToLower(strings.TrimSpace(dev.Address)))
	sum := sha1.Sum([]byte(canonical))
	return "dev_" + hex.EncodeToString(sum[:8])
}
