package settlementd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bithedge/config"
	"bithedge/core"
	"bithedge/core/events"
	"bithedge/native/pricefeed"
	"bithedge/observability"
	"bithedge/observability/logging"
	telemetry "bithedge/observability/otel"
	"bithedge/services/settlementd/journal"
	"bithedge/services/settlementd/recon"
	"bithedge/storage"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BITHEDGE_ENV"))
	logging.Setup("settlementd", env)
	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settlementd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	engineCfg, err := config.Load(cfg.EnginePath)
	if err != nil {
		return fmt.Errorf("load engine config: %w", err)
	}

	db, err := storage.NewLevelDB(engineCfg.DataDir)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	// Operator-pinned prices flow through the manual feed; the aggregator
	// keeps the door open for additional registered sources.
	operator := pricefeed.NewManualFeed("operator")
	aggregator := pricefeed.NewAggregator(cfg.Oracle.MinSources)
	aggregator.SetMaxAge(cfg.Oracle.MaxAge.Duration)
	aggregator.Register("operator", operator)

	platform, err := core.NewPlatform(db, engineCfg, aggregator)
	if err != nil {
		return fmt.Errorf("init platform: %w", err)
	}

	dsn, err := journal.FileDSN(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("resolve journal path: %w", err)
	}
	jnl, err := journal.Open(dsn)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jnl.Close()

	metrics := NewMetrics()
	hub := NewStreamHub(0)
	scheduler := NewScheduler(platform, jnl, cfg.Interval.Duration, WithSchedulerMetrics(metrics))
	if cfg.PauseOnStart {
		scheduler.Pause()
	}
	platform.SetBoundaryFunc(scheduler.CurrentBoundary)
	platform.SetEmitter(events.FuncEmitter(func(evt events.Event) {
		if evt == nil {
			return
		}
		hub.Emit(evt)
		observability.Events().RecordEvent(evt.EventType())
		if settled, ok := evt.(events.BoundarySettled); ok && settled.Price == nil && settled.Failed > 0 {
			metrics.IncPriceMiss(settled.Token)
		}
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := jnl.RecordEvent(writeCtx, wireEvent(evt)); err != nil {
			slog.Warn("journal event write failed", "type", evt.EventType(), "err", err)
		}
		cancel()
	}))

	auth, err := NewAuthenticator(cfg.Admin)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	adminServer, err := NewAdminServer(AdminDeps{
		Platform:  platform,
		Scheduler: scheduler,
		Hub:       hub,
		Feed:      operator,
		Auth:      auth,
		RateLimit: cfg.Admin.RateLimit,
	})
	if err != nil {
		return fmt.Errorf("init admin server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(adminServer, "settlementd.admin"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Recon.Enabled {
		reconDB, err := recon.OpenDatabase(cfg.Recon.Driver, cfg.Recon.Database)
		if err != nil {
			return fmt.Errorf("init recon store: %w", err)
		}
		reconciler, err := recon.NewReconciler(recon.Config{
			DB:            reconDB,
			Engine:        platform,
			Journal:       jnl,
			OutputDir:     cfg.Recon.OutputDir,
			RetentionDays: cfg.Recon.RetentionDays,
		})
		if err != nil {
			return fmt.Errorf("init reconciler: %w", err)
		}
		reconSched := recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			RunHour:    cfg.Recon.Hour,
			RunMinute:  cfg.Recon.Minute,
		})
		go reconSched.Start(stopCtx)
	}

	go scheduler.Run(stopCtx)

	errs := make(chan error, 1)
	go func() {
		log.Printf("settlementd listening on %s", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
