package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"castbridge.app/castbridge/internal/adapters/chromecast"
	"castbridge.app/castbridge/internal/api"
	"castbridge.app/castbridge/internal/buildinfo"
	"castbridge.app/castbridge/internal/castdev"
	"castbridge.app/castbridge/internal/config"
	"castbridge.app/castbridge/internal/coordinator"
	"castbridge.app/castbridge/internal/diagnostics"
	"castbridge.app/castbridge/internal/discovery"
	"castbridge.app/castbridge/internal/dlna"
	"castbridge.app/castbridge/internal/domain"
	"castbridge.app/castbridge/internal/lifecycle"
	"castbridge.app/castbridge/internal/proxy"
)

const scanInterval = 30 * time.Second

type selfTestOutput struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
	Drivers struct {
		DLNAWired bool `json:"dlna_wired"`
		CastWired bool `json:"cast_wired"`
	} `json:"drivers"`
	Dependencies diagnostics.DependencyReport `json:"dependencies"`
}

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to the configuration file")
	selfTest := flag.Bool("self-test", false, "run dependency and wiring diagnostics then exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logLevel := parseLogLevel(cfg.Logging.Level)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	dlnaDriver := dlna.NewDriver(logger, cfg.ControlCallTimeout())
	castDriver := castdev.NewDriver(logger, chromecast.Dial, castdev.Config{
		ReconnectAttempts: cfg.Cast.ReconnectAttempts,
		ReconnectBase:     cfg.CastReconnectBase(),
		ReconnectMax:      cfg.CastReconnectMax(),
		Heartbeat:         cfg.CastHeartbeat(),
	})

	if *selfTest {
		out := selfTestOutput{
			Dependencies: diagnostics.DetectDependencies(),
		}
		out.Server.Name = "castbridge"
		out.Server.Version = buildinfo.Version
		out.Drivers.DLNAWired = dlnaDriver != nil
		out.Drivers.CastWired = castDriver != nil

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(out); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	runCtx, stopSignals := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stopSignals()

	logger.Info(
		"castbridge_start",
		slog.String("version", buildinfo.Version),
		slog.String("log_level", logLevel.String()),
		slog.String("api_listen", cfg.API.Listen),
		slog.Int("proxy_port", cfg.Proxy.Port),
	)

	registry := discovery.NewRegistry(
		logger,
		cfg.DiscoveryTimeout(),
		cfg.Discovery.AbsentAfterScans,
		dlnaDriver,
		castDriver,
	)
	streamProxy := proxy.NewServer(proxy.Config{
		Port:         cfg.Proxy.Port,
		Path:         cfg.Proxy.Path,
		BitrateKbps:  cfg.Proxy.BitrateKbps,
		StartTimeout: cfg.ProxyStartTimeout(),
		FFmpegPath:   cfg.Proxy.FFmpegPath,
		Interface:    cfg.Network.Interface,
	}, logger)

	coord := coordinator.New(
		logger,
		registry,
		streamProxy,
		coordinator.NopPlayer{},
		dlnaDriverAdapter{dlnaDriver},
		castDriverAdapter{castDriver},
	)

	apiSrv := api.NewServer(logger, cfg.API.Listen, coord, registry)
	if err := apiSrv.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	go scanLoop(runCtx, logger, registry)

	<-runCtx.Done()
	logger.Info("castbridge_stopping", slog.String("reason", runCtx.Err().Error()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("api_shutdown_error", slog.String("error", err.Error()))
	}
	coord.Close(shutdownCtx)
	streamProxy.Stop()
}

// scanLoop keeps the device registry warm so the API can answer device
// listings without forcing a synchronous scan.
func scanLoop(ctx context.Context, logger *slog.Logger, registry *discovery.Registry) {
	if _, err := registry.Scan(ctx); err != nil {
		logger.Warn("initial_scan_failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := registry.Scan(ctx); err != nil {
				logger.Warn("scan_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// dlnaDriverAdapter narrows the concrete session type to the coordinator
// contract.
type dlnaDriverAdapter struct {
	*dlna.Driver
}

func (a dlnaDriverAdapter) Connect(ctx context.Context, dev domain.Device, onLost func(error)) (coordinator.DriverSession, error) {
	sess, err := a.Driver.Connect(ctx, dev, onLost)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

type castDriverAdapter struct {
	*castdev.Driver
}

func (a castDriverAdapter) Connect(ctx context.Context, dev domain.Device, onLost func(error)) (coordinator.DriverSession, error) {
	sess, err := a.Driver.Connect(ctx, dev, onLost)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "invalid log level %q; defaulting to info\n", raw)
		return slog.LevelInfo
	}
}
