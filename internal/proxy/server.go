// Package proxy serves a device-compatible rendition of the active station
// stream over HTTP. At most one instance is live system-wide; the coordinator
// owns its lifecycle.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"castbridge.app/castbridge/internal/domain"
	"castbridge.app/castbridge/internal/netutil"
)

const (
	relayBufferSize = 32 * 1024
	stopClientWait  = 2 * time.Second
)

type Config struct {
	Port         int
	Path         string
	BitrateKbps  int
	StartTimeout time.Duration
	FFmpegPath   string
	Interface    string
}

// Server is the single transcoding proxy instance. Start serializes
// stop-then-start when the source changes; Stop is idempotent.
type Server struct {
	cfg    Config
	logger *slog.Logger

	resolveAddress func(iface string) (net.IP, error)
	lookPath       func(file string) (string, error)
	newTranscoder  func(ctx context.Context, ffmpegPath, sourceURL string, bitrateKbps int) (io.ReadCloser, error)
	fetchSource    func(ctx context.Context, sourceURL string) (io.ReadCloser, error)

	mu          sync.Mutex
	running     bool
	unhealthy   bool
	generation  int
	sourceURL   string
	transcode   bool
	publicURL   string
	ffmpegPath  string
	listener    net.Listener
	httpSrv     *http.Server
	clients     sync.WaitGroup
	clientCount int
}

func NewServer(cfg Config, logger *slog.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/stream.mp3"
	}
	if cfg.BitrateKbps <= 0 {
		cfg.BitrateKbps = 128
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:            cfg,
		logger:         logger,
		resolveAddress: netutil.ResolveLocalAddress,
		lookPath:       exec.LookPath,
		newTranscoder:  startFFmpeg,
		fetchSource:    fetchStream,
	}
}

// Start binds the proxy port and begins serving sourceURL. If an instance is
// already serving a different source, or the instance is marked unhealthy, it
// is fully stopped first. Starting an already-running healthy instance for
// the same source returns the existing public URL.
func (s *Server) Start(ctx context.Context, sourceURL string, transcode bool) (string, error) {
	ip, err := s.resolveAddress(s.cfg.Interface)
	if err != nil {
		return "", domain.NewControlError(domain.KindAddressUnresolvable,
			"no LAN address for proxied stream: "+err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running && !s.unhealthy && s.sourceURL == sourceURL && s.transcode == transcode {
		return s.publicURL, nil
	}
	if s.running {
		s.stopLocked()
	}

	ffmpegPath := ""
	if transcode {
		path := s.cfg.FFmpegPath
		if path == "" {
			path, err = s.lookPath("ffmpeg")
			if err != nil {
				return "", domain.NewControlError(domain.KindProxyTranscode,
					"ffmpeg not found in PATH").WithDetail("binary", "ffmpeg")
			}
		}
		ffmpegPath = path
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return "", domain.NewControlError(domain.KindProxyBind,
			fmt.Sprintf("binding proxy port %d: %v", s.cfg.Port, err)).
			WithDetail("port", s.cfg.Port)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleStream)
	srv := &http.Server{Handler: mux}

	s.running = true
	s.unhealthy = false
	s.generation++
	s.sourceURL = sourceURL
	s.transcode = transcode
	s.ffmpegPath = ffmpegPath
	s.listener = ln
	s.httpSrv = srv
	s.publicURL = fmt.Sprintf("http://%s:%d%s", ip.String(), s.cfg.Port, s.cfg.Path)

	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Warn("proxy_serve_stopped", slog.String("err", serveErr.Error()))
		}
	}()

	startsTotal.Inc()
	s.logger.Info("proxy_started",
		slog.String("public_url", s.publicURL),
		slog.String("source", sourceURL),
		slog.Bool("transcode", transcode))
	return s.publicURL, nil
}

// Stop closes the listener, forcibly closes active client connections and
// releases the port. Stopping a non-running proxy is a no-op.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.stopLocked()
}

// stopLocked tears the instance down and waits briefly for in-flight client
// handlers. The caller holds s.mu.
func (s *Server) stopLocked() {
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
	s.httpSrv = nil
	s.listener = nil
	s.running = false
	s.unhealthy = false
	s.sourceURL = ""
	s.publicURL = ""

	done := make(chan struct{})
	go func() {
		s.clients.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopClientWait):
		s.logger.Warn("proxy_stop_client_wait_timeout")
	}
	s.logger.Info("proxy_stopped")
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.unhealthy
}

func (s *Server) Source() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sourceURL
}

func (s *Server) PublicURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publicURL
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCount
}

// markUnhealthy flags the instance so the next Start tears it down even for
// the same source. Stale "running" state blocking a restart is the defect
// class this guards against. The generation check keeps a client handler of
// an already-replaced instance from flagging its successor.
func (s *Server) markUnhealthy(gen int) {
	s.mu.Lock()
	if gen == s.generation {
		s.unhealthy = true
	}
	s.mu.Unlock()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	sourceURL := s.sourceURL
	transcode := s.transcode
	ffmpegPath := s.ffmpegPath
	bitrate := s.cfg.BitrateKbps
	gen := s.generation
	if !s.running {
		s.mu.Unlock()
		http.Error(w, "proxy stopped", http.StatusServiceUnavailable)
		return
	}
	s.clients.Add(1)
	s.clientCount++
	s.mu.Unlock()

	clientsTotal.Inc()
	activeClients.Inc()
	defer func() {
		activeClients.Dec()
		// Done before touching s.mu: stopLocked waits on the group while
		// holding the lock.
		s.clients.Done()
		s.mu.Lock()
		s.clientCount--
		s.mu.Unlock()
	}()

	ctx := r.Context()
	var (
		stream io.ReadCloser
		err    error
	)
	if transcode {
		stream, err = s.newTranscoder(ctx, ffmpegPath, sourceURL, bitrate)
	} else {
		stream, err = s.fetchSource(ctx, sourceURL)
	}
	if err != nil {
		s.logger.Error("proxy_source_failed",
			slog.String("source", sourceURL), slog.String("err", err.Error()))
		transcodeFailures.Inc()
		s.markUnhealthy(gen)
		http.Error(w, "source unavailable", http.StatusBadGateway)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "close")

	if err := s.relay(ctx, w, stream, gen); err != nil {
		s.logger.Warn("proxy_relay_ended",
			slog.String("source", sourceURL), slog.String("err", err.Error()))
	}
}

// relay copies stream bytes to the client as they arrive. The first chunk
// must show up within the start timeout or the transcode is treated as stuck
// and the instance reset.
func (s *Server) relay(ctx context.Context, w http.ResponseWriter, stream io.Reader, gen int) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, relayBufferSize)

	first, err := readFirstChunk(ctx, stream, buf, s.cfg.StartTimeout)
	if err != nil {
		transcodeFailures.Inc()
		s.markUnhealthy(gen)
		http.Error(w, "stream did not start", http.StatusBadGateway)
		return err
	}
	if _, err := w.Write(buf[:first]); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}

	for {
		n, readErr := stream.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF || ctx.Err() != nil {
				return nil
			}
			transcodeFailures.Inc()
			s.markUnhealthy(gen)
			return readErr
		}
	}
}

func readFirstChunk(ctx context.Context, stream io.Reader, buf []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := stream.Read(buf)
		ch <- result{n: n, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, domain.NewControlError(domain.KindProxyTranscode,
			"no stream bytes before deadline")
	case res := <-ch:
		if res.err != nil && res.n == 0 {
			return 0, res.err
		}
		return res.n, nil
	}
}
