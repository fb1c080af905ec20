package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/crewtrack/crewtrack/internal/analytics"
	"github.com/crewtrack/crewtrack/internal/api"
	"github.com/crewtrack/crewtrack/internal/attendance"
	"github.com/crewtrack/crewtrack/internal/battery"
	"github.com/crewtrack/crewtrack/internal/buildinfo"
	"github.com/crewtrack/crewtrack/internal/cache"
	"github.com/crewtrack/crewtrack/internal/config"
	"github.com/crewtrack/crewtrack/internal/errorlog"
	"github.com/crewtrack/crewtrack/internal/geofence"
	"github.com/crewtrack/crewtrack/internal/geoip"
	"github.com/crewtrack/crewtrack/internal/kalman"
	"github.com/crewtrack/crewtrack/internal/live"
	"github.com/crewtrack/crewtrack/internal/metrics"
	"github.com/crewtrack/crewtrack/internal/notify"
	"github.com/crewtrack/crewtrack/internal/retryq"
	"github.com/crewtrack/crewtrack/internal/schedule"
	"github.com/crewtrack/crewtrack/internal/service"
	"github.com/crewtrack/crewtrack/internal/store"
	"github.com/crewtrack/crewtrack/internal/tracking"
)

// crewtrackApp holds every long-lived component so shutdown can walk them in
// a fixed order.
type crewtrackApp struct {
	envCfg *config.EnvConfig

	metrics    *metrics.Metrics
	errs       *errorlog.Sink
	cache      *cache.Cache
	geo        *geoip.Service
	agg        *analytics.Aggregator
	dispatcher *notify.Dispatcher
	hub        *live.Hub
	scheduler  *schedule.Scheduler

	srv      *api.Server
	listener net.Listener
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	tuning, err := config.LoadTuningFile(envCfg.TuningFile)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(envCfg.DatabaseURL); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	st, err := store.Open(envCfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	log.Printf("Store opened at %s", envCfg.DatabaseURL)

	app, err := newCrewtrackApp(envCfg, tuning, st)
	if err != nil {
		_ = st.Close()
		return err
	}

	if err := app.startBackgroundServices(); err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		app.shutdown(ctx)
		cancel()
		_ = st.Close()
		return err
	}

	serverErrCh := app.startServer()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if err := st.Close(); err != nil {
		log.Printf("Store close error: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

// newCrewtrackApp builds the full component graph. Nothing is started here;
// a constructor failure needs no teardown beyond the store the caller holds.
func newCrewtrackApp(envCfg *config.EnvConfig, tuning *config.Tuning, st *store.Store) (*crewtrackApp, error) {
	app := &crewtrackApp{
		envCfg:  envCfg,
		metrics: metrics.New(),
	}

	// Error sink first: every component below reports through it.
	app.errs = errorlog.New(errorlog.Config{
		Store:         st,
		QueueSize:     envCfg.ErrorLogQueueSize,
		FlushBatch:    envCfg.ErrorLogFlushBatchSize,
		FlushInterval: envCfg.ErrorLogFlushInterval,
	})

	ca, err := cache.New(cache.Options{
		RedisURL:        envCfg.RedisURL,
		LocalMaxEntries: envCfg.CacheLocalMaxEntries,
		Events: cache.Events{
			OnReady: func() {
				app.metrics.CacheFallback.Set(0)
				log.Println("Cache connected")
			},
			OnReconnecting: func(attempt int, delay time.Duration) {
				log.Printf("Cache reconnecting (attempt %d, next probe in %s)", attempt, delay)
			},
			OnFallback: func() {
				app.metrics.CacheFallback.Set(1)
				app.errs.Logf("cache", "FALLBACK", "", "redis unreachable, serving from the local cache")
			},
			OnError: func(error) {
				app.metrics.CacheErrors.Inc()
			},
		},
	})
	if err != nil {
		return nil, err
	}
	app.cache = ca

	app.geo = geoip.NewService(envCfg.GeoIPDBPath, envCfg.GeoIPReloadSchedule)

	// Domain services share one geofence index, one rollup aggregator and
	// one Kalman registry; the hub reuses the registry so socket ingest and
	// REST ingest smooth through the same per-user filters.
	fences := geofence.NewService(st)
	app.agg = analytics.NewAggregator(st, tuning.Analytics)
	retry := retryq.New(ca)
	filters := kalman.NewRegistry()

	tracker := service.NewTrackingService(service.TrackingDeps{
		Store:      st,
		Cache:      ca,
		Validator:  tracking.NewValidator(tuning.Validator),
		Fences:     fences,
		Hysteresis: geofence.NewHysteresis(ca, tuning.Hysteresis.MinTransitionGap.Std(), tuning.Hysteresis.ConfirmThreshold),
		Filters:    filters,
		Battery:    battery.NewPolicy(ca, tuning.Battery),
		Analytics:  app.agg,
		Retry:      retry,
		Errors:     app.errs,
		Metrics:    app.metrics,
	})

	app.dispatcher = notify.NewDispatcher(st, notify.NewExpoClient(envCfg), app.errs)

	shifts := service.NewShiftService(service.ShiftDeps{
		Store:       st,
		Fences:      fences,
		Analytics:   app.agg,
		Notify:      app.dispatcher,
		Attendance:  attendance.NewBridge(envCfg),
		Errors:      app.errs,
		Metrics:     app.metrics,
		Environment: envCfg.Environment,
	})
	roster := service.NewRosterService(st, tracker)

	app.hub = live.NewHub(live.HubDeps{
		Store:          st,
		Tracker:        tracker,
		Cache:          ca,
		Filters:        filters,
		Geo:            app.geo,
		Errors:         app.errs,
		Metrics:        app.metrics,
		InstanceID:     envCfg.InstanceID,
		AllowedOrigins: envCfg.AllowedOrigins(),
	})
	tracker.SetBroadcaster(app.hub)

	app.scheduler = schedule.New(schedule.Deps{
		Shifts:            shifts,
		Tracker:           tracker,
		Retry:             retry,
		Store:             st,
		Errors:            app.errs,
		Metrics:           app.metrics,
		ErrorLogRetention: time.Duration(envCfg.ErrorLogRetentionDays) * 24 * time.Hour,
	})

	auth := api.NewAuthenticator(envCfg.JWTSecret, st, app.errs)
	addr := formatListenAddress(envCfg.ListenAddress, envCfg.Port)
	app.srv = api.NewServer(addr, api.Deps{
		Auth:         auth,
		Tracker:      tracker,
		Shifts:       shifts,
		Roster:       roster,
		Hub:          app.hub,
		Cache:        ca,
		Metrics:      app.metrics,
		MaxBodyBytes: int64(envCfg.APIMaxBodyBytes),
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	app.listener = netutil.LimitListener(ln, envCfg.MaxConns)

	return app, nil
}

// startBackgroundServices brings the component graph up. The infallible
// starts run first so a failure below leaves nothing that shutdown cannot
// stop.
func (a *crewtrackApp) startBackgroundServices() error {
	a.errs.Start()
	log.Println("Error log sink started")

	a.cache.Start()
	log.Println("Cache monitor started")

	a.agg.Start()
	log.Println("Analytics aggregator started")

	a.dispatcher.Start()
	log.Println("Notification dispatcher started")

	a.hub.Start()
	log.Printf("Live hub started (instance %s)", a.hub.InstanceID())

	if err := a.geo.Start(); err != nil {
		return fmt.Errorf("geoip: %w", err)
	}
	if a.geo.Enabled() {
		log.Println("GeoIP plausibility checks enabled")
	}

	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	log.Println("Scheduler started")
	return nil
}

func (a *crewtrackApp) startServer() <-chan error {
	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("CrewTrack %s serving on %s", buildinfo.String(),
			formatListenURL(a.envCfg.ListenAddress, a.envCfg.Port))
		err := a.srv.Serve(a.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

// shutdown stops in order: the listener first so no new work arrives, then
// event sources, then fan-out, then the sinks that flush to the store.
func (a *crewtrackApp) shutdown(ctx context.Context) {
	if err := a.srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("HTTP server stopped")

	a.scheduler.Stop()
	log.Println("Scheduler stopped")

	a.hub.Stop()
	log.Println("Live hub stopped")

	a.dispatcher.Stop()
	log.Println("Notification dispatcher stopped")

	a.agg.Stop()
	log.Println("Analytics aggregator stopped")

	a.geo.Stop()
	log.Println("GeoIP service stopped")

	a.cache.Stop()
	log.Println("Cache stopped")

	// Last before the store closes so queued rows still land.
	a.errs.Stop()
	log.Println("Error log sink stopped")
}

func formatListenAddress(listenAddress string, port int) string {
	return net.JoinHostPort(listenAddress, strconv.Itoa(port))
}

func formatListenURL(listenAddress string, port int) string {
	return "http://" + formatListenAddress(listenAddress, port)
}
