// Package api exposes the control surface over local HTTP: device listing,
// selection, playback, and a server-sent-events feed of session snapshots.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"castbridge.app/castbridge/internal/domain"
)

// Controller is the coordinator's operation set, narrowed for the handlers.
type Controller interface {
	SelectDevice(ctx context.Context, deviceID string) error
	SelectLocal(ctx context.Context) error
	Play(ctx context.Context, station domain.Station) error
	Stop(ctx context.Context) error
	SetVolume(ctx context.Context, level float64) error
	Retry(ctx context.Context) error
	Snapshot() domain.SessionSnapshot
	Subscribe() (<-chan domain.SessionSnapshot, func())
}

// DeviceIndex is the discovery registry's read surface.
type DeviceIndex interface {
	Devices() []domain.Device
	Scan(ctx context.Context) ([]domain.Device, error)
}

type Server struct {
	logger  *slog.Logger
	listen  string
	coord   Controller
	devices DeviceIndex

	httpSrv *http.Server
}

func NewServer(logger *slog.Logger, listen string, coord Controller, devices DeviceIndex) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		logger:  logger,
		listen:  listen,
		coord:   coord,
		devices: devices,
	}
	s.httpSrv = &http.Server{
		Addr:              listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("POST /api/select", s.handleSelect)
	mux.HandleFunc("POST /api/play", s.handlePlay)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/volume", s.handleVolume)
	mux.HandleFunc("POST /api/retry", s.handleRetry)
	mux.HandleFunc("GET /api/session", s.handleSession)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.listen, err)
	}
	s.logger.Info("api_listening", slog.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api_serve_failed", slog.String("err", err.Error()))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	var (
		devices []domain.Device
		err     error
	)
	if r.URL.Query().Get("refresh") == "1" {
		devices, err = s.devices.Scan(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
	} else {
		devices = s.devices.Devices()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

type selectRequest struct {
	DeviceID string `json:"device_id"`
	Local    bool   `json:"local"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Local == (req.DeviceID != "") {
		s.writeBadRequest(w, "exactly one of device_id or local is required")
		return
	}

	var err error
	if req.Local {
		err = s.coord.SelectLocal(r.Context())
	} else {
		err = s.coord.SelectDevice(r.Context(), req.DeviceID)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

type playRequest struct {
	Station domain.Station `json:"station"`
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Station.StreamURL == "" {
		s.writeBadRequest(w, "station.stream_url is required")
		return
	}
	if err := s.coord.Play(r.Context(), req.Station); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Stop(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

type volumeRequest struct {
	Level float64 `json:"level"`
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Level < 0 || req.Level > 1 {
		s.writeBadRequest(w, "level must be between 0.0 and 1.0")
		return
	}
	if err := s.coord.SetVolume(r.Context(), req.Level); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Retry(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Snapshot())
}

// handleEvents streams session snapshots as server-sent events, starting
// with the current one.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, unsubscribe := s.coord.Subscribe()
	defer unsubscribe()

	if err := writeEvent(w, s.coord.Snapshot()); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, snap); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, snap domain.SessionSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: session\ndata: %s\n\n", payload)
	return err
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("api_write_failed", slog.String("err", err.Error()))
	}
}

func (s *Server) writeBadRequest(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{"kind": "BAD_REQUEST", "message": message},
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	ce := domain.AsControlError(err)
	s.writeJSON(w, statusForKind(ce.Kind), map[string]any{"error": ce})
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindDiscoveryTimeout, domain.KindDeviceUnreachable, domain.KindConnectionLost:
		return http.StatusBadGateway
	case domain.KindDeviceRejectedFormat:
		return http.StatusUnprocessableEntity
	case domain.KindProxyBind, domain.KindProxyTranscode:
		return http.StatusServiceUnavailable
	case domain.KindAddressUnresolvable:
		return http.StatusServiceUnavailable
	case domain.KindUnsupported:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
