package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/locationd/pkg/config"
	"github.com/markus-lassfolk/locationd/pkg/locate"
	"github.com/markus-lassfolk/locationd/pkg/logx"
	"github.com/markus-lassfolk/locationd/pkg/metrics"
	"github.com/markus-lassfolk/locationd/pkg/mqtt"
	"github.com/markus-lassfolk/locationd/pkg/pidfile"
	"github.com/markus-lassfolk/locationd/pkg/store"
)

var (
	configPath = flag.String("config", "", "Path to configuration file")
	pidPath    = flag.String("pid-file", "/tmp/locationd.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	resolveNow = flag.Bool("resolve-once", false, "Resolve once, print the estimate as JSON, and exit")
)

const (
	AppName    = "locationd"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	effectiveLogLevel := cfg.LogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	if *verbose || cfg.Verbose {
		effectiveLogLevel = "trace"
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	if *resolveNow {
		runResolveOnce(cfg, logger)
		return
	}

	pidFile := pidfile.New(*pidPath)
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err.Error(), "path", *pidPath)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err.Error())
		}
	}()

	logger.Info("Starting location daemon", "version", AppVersion, "pid", os.Getpid())

	cacheStore, err := store.NewBoltStore(&store.Config{
		Path:        cfg.Cache.Path,
		PrimaryTTL:  cfg.Cache.PrimaryTTL,
		FallbackTTL: cfg.Cache.FallbackTTL,
	}, logger.WithComponent("store"))
	if err != nil {
		logger.Error("Failed to open cache store", "error", err.Error(), "path", cfg.Cache.Path)
		os.Exit(1)
	}
	defer cacheStore.Close()

	var recorder locate.Recorder = locate.NopRecorder{}
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		recorder = metrics.NewRecorder(registry)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err.Error())
			}
		}()
		defer srv.Close()
		logger.Info("Metrics server started", "listen", cfg.Metrics.Listen)
	}

	engine := buildEngine(cfg, cacheStore, recorder, logger)
	defer engine.Close()

	var publisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(&mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Port:        cfg.MQTT.Port,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Retain:      cfg.MQTT.Retain,
			Enabled:     true,
		}, logger.WithComponent("mqtt"))
		if err := publisher.Connect(); err != nil {
			logger.Error("Failed to connect to MQTT broker", "error", err.Error())
			publisher = nil
		} else {
			defer publisher.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	if cfg.Resolution.LiveTracking {
		session, err := engine.StartLiveTracking(ctx, func(est *locate.LocationEstimate) {
			logger.Debug("tracking_update",
				"lat", est.Latitude,
				"lon", est.Longitude,
				"accuracy_m", est.AccuracyMeters,
			)
			if publisher != nil {
				if err := publisher.PublishTrackingUpdate(est); err != nil {
					logger.Warn("tracking_publish_failed", "error", err.Error())
				}
			}
		}, cfg.Resolution.MovementThresholdM)
		if err != nil {
			logger.Warn("Live tracking unavailable", "error", err.Error())
		} else {
			defer engine.StopLiveTracking(session)
			logger.Info("Live tracking started", "threshold_m", cfg.Resolution.MovementThresholdM)
		}
	}

	go refreshLoop(ctx, cfg, engine, publisher, logger)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("Received SIGHUP, clearing denied permission state")
			engine.ClearDeniedPermission()
		default:
			logger.Info("Shutting down", "signal", sig.String())
			cancel()
			return
		}
	}
}

// refreshLoop resolves immediately and then on the configured interval so
// the cache stays warm and consumers see position changes promptly. The
// interval adapts to the outcome: failures retry sooner, a fresh
// excellent-tier fix stretches the wait.
func refreshLoop(ctx context.Context, cfg *config.Config, engine *locate.Engine, publisher *mqtt.Publisher, logger *logx.Logger) {
	base := cfg.Resolution.RefreshInterval
	if base <= 0 {
		base = 5 * time.Minute
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := base
		est, err := engine.ResolveLocation(ctx, nil)
		if err != nil {
			logger.Warn("Resolution failed", "error", err.Error())
			next = base / 4
			if next < 30*time.Second {
				next = 30 * time.Second
			}
		} else {
			logger.Info("location_resolved",
				"source", string(est.Source),
				"strategy", est.StrategyID,
				"accuracy_m", est.AccuracyMeters,
				"tier", int(est.QualityTier),
				"stale", est.IsStale,
			)
			if publisher != nil {
				if err := publisher.PublishEstimate(est); err != nil {
					logger.Warn("estimate_publish_failed", "error", err.Error())
				}
				if err := publisher.PublishHealth(engine.Health()); err != nil {
					logger.Warn("health_publish_failed", "error", err.Error())
				}
			}
			if est.QualityTier == locate.TierExcellent && !est.IsStale {
				next = base * 2
			}
		}

		timer.Reset(next)
	}
}

// buildEngine wires strategies from the configuration.
func buildEngine(cfg *config.Config, cacheStore *store.BoltStore, recorder locate.Recorder, logger *logx.Logger) *locate.Engine {
	engineCfg := locate.DefaultEngineConfig()
	engineCfg.Coordinator.GlobalTimeout = cfg.Resolution.GlobalTimeout
	engineCfg.Coordinator.DefaultEnabled = cfg.Resolution.DefaultEnabled
	engineCfg.Coordinator.DefaultLatitude = cfg.Resolution.DefaultLatitude
	engineCfg.Coordinator.DefaultLongitude = cfg.Resolution.DefaultLongitude
	engineCfg.Tracker.MovementThresholdM = cfg.Resolution.MovementThresholdM

	probe := &locate.RuntimeProbe{GpsdAddress: cfg.GPSD.Address}
	engineLogger := logger.WithComponent("engine")
	engine := locate.NewEngine(engineCfg, cacheStore, cacheStore, probe, recorder, engineLogger)

	engine.Register(locate.NewCacheStrategy(cacheStore, cfg.Cache.PrimaryTTL, engineLogger))

	if cfg.GPSD.Enabled {
		gpsCfg := &locate.DeviceGPSConfig{
			Address:        cfg.GPSD.Address,
			HighTimeout:    cfg.GPSD.HighTimeout,
			LowTimeout:     cfg.GPSD.LowTimeout,
			ReconnectDelay: cfg.GPSD.ReconnectDelay,
		}
		for _, s := range locate.NewDeviceGPSStrategies(gpsCfg, engineLogger) {
			engine.Register(s)
		}
	}

	if cfg.Network.Enabled {
		netCfg := &locate.NetworkStrategyConfig{
			APIKey:          cfg.Network.APIKey,
			Timeout:         cfg.Network.Timeout,
			MinAccessPoints: cfg.Network.MinAccessPoints,
		}
		ns, err := locate.NewNetworkStrategy(netCfg, nil, engineLogger)
		if err != nil {
			logger.Warn("Network strategy unavailable", "error", err.Error())
		} else {
			engine.Register(ns)
		}
	}

	for _, s := range locate.NewIPProviderStrategies(nil, engineLogger) {
		engine.Register(s)
	}

	return engine
}

// runResolveOnce performs a single resolution against an in-memory cache
// and prints the result. Useful for smoke-testing a configuration.
func runResolveOnce(cfg *config.Config, logger *logx.Logger) {
	mem := store.NewMemoryStore(cfg.Cache.PrimaryTTL, cfg.Cache.FallbackTTL)

	engineCfg := locate.DefaultEngineConfig()
	engineCfg.Coordinator.GlobalTimeout = cfg.Resolution.GlobalTimeout
	engineCfg.Coordinator.DefaultEnabled = cfg.Resolution.DefaultEnabled
	engineCfg.Coordinator.DefaultLatitude = cfg.Resolution.DefaultLatitude
	engineCfg.Coordinator.DefaultLongitude = cfg.Resolution.DefaultLongitude

	probe := &locate.RuntimeProbe{GpsdAddress: cfg.GPSD.Address}
	engine := locate.NewEngine(engineCfg, mem, mem, probe, locate.NopRecorder{}, logger.WithComponent("engine"))
	defer engine.Close()

	if cfg.GPSD.Enabled {
		for _, s := range locate.NewDeviceGPSStrategies(&locate.DeviceGPSConfig{
			Address:     cfg.GPSD.Address,
			HighTimeout: cfg.GPSD.HighTimeout,
			LowTimeout:  cfg.GPSD.LowTimeout,
		}, logger) {
			engine.Register(s)
		}
	}
	for _, s := range locate.NewIPProviderStrategies(nil, logger) {
		engine.Register(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Resolution.GlobalTimeout+5*time.Second)
	defer cancel()

	est, err := engine.ResolveLocation(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%.6f,%.6f accuracy=%.0fm source=%s tier=%d stale=%v\n",
		est.Latitude, est.Longitude, est.AccuracyMeters, est.Source, est.QualityTier, est.IsStale)
}
