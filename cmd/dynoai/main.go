package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dynoai/dynoai/internal/analysis"
	"github.com/dynoai/dynoai/internal/api"
	"github.com/dynoai/dynoai/internal/config"
	"github.com/dynoai/dynoai/internal/metrics"
	"github.com/dynoai/dynoai/internal/monitor"
	"github.com/dynoai/dynoai/internal/serialmux"
	"github.com/dynoai/dynoai/internal/store"
	"github.com/dynoai/dynoai/internal/timeutil"
	"github.com/dynoai/dynoai/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	dbFile      = flag.String("db", "dynoai.db", "Path to the SQLite database file")
	configPath  = flag.String("config", "", "Analysis config JSON (default: built-in defaults)")
	serialMode  = flag.String("serial", "disabled", "Datalogger mode: real, mock, or disabled")
	serialPort  = flag.String("serial-port", "/dev/ttyUSB0", "Serial port for the datalogger (real mode)")
	serialBaud  = flag.Int("serial-baud", serialmux.DefaultBaudRate, "Serial baud rate (real mode)")
	vehicleID   = flag.String("vehicle", "", "Vehicle ID recorded on captured runs")
	cacheMode   = flag.String("cache", "sqlite", "Payload cache: sqlite, memory, or redis")
	cacheTTL    = flag.Duration("cache-ttl", 0, "Payload TTL for memory and redis caches (default: config payload_cache_ttl)")
	retention   = flag.Duration("retention", 0, "Delete runs older than this (default: config stale_run_retention; 0 disables)")
	pruneEvery  = flag.Duration("prune-interval", 0, "How often the pruner runs (default: config prune_interval)")
	statsEvery  = flag.Duration("stats-interval", time.Minute, "How often capture stats are logged")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// mockFrame is the line the mock datalogger repeats in -serial=mock runs.
// The constant timestamp means every frame starts a new session, so nothing
// is stored, but the tail and parser paths stay exercisable end to end.
const mockFrame = `{"t":0.0,"rpm":2500,"map":45,"tps":12,"afr":14.6,"spk":22}`

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Load .env if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// `dynoai migrate <action>` runs the migration CLI and exits.
	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		store.RunMigrateCommand(args[1:], *dbFile)
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	log.Printf("dynoai %s starting", version.String())

	db, err := store.OpenAndMigrate(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	cfg := loadConfig()

	// Housekeeping knobs default from the config file; a flag set on the
	// command line wins.
	ttl := cfg.GetPayloadCacheTTL()
	runRetention := cfg.GetStaleRunRetention()
	pruneInterval := cfg.GetPruneInterval()
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "cache-ttl":
			ttl = *cacheTTL
		case "retention":
			runRetention = *retention
		case "prune-interval":
			pruneInterval = *pruneEvery
		}
	})

	runs := store.NewRunStore(db)
	payloads := store.NewPayloadStore(db)

	cache, err := buildCache(payloads, ttl)
	if err != nil {
		log.Fatalf("Failed to build payload cache: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	engine, err := analysis.New(cfg, cache, timeutil.RealClock{}, m)
	if err != nil {
		log.Fatalf("Failed to build analysis engine: %v", err)
	}

	datalogger, err := buildSerialMux()
	if err != nil {
		log.Fatalf("Failed to open datalogger: %v", err)
	}
	defer datalogger.Close()

	if err := datalogger.Initialize(); err != nil {
		log.Fatalf("Failed to initialize datalogger: %v", err)
	}

	stats := monitor.NewCaptureStats()
	recorder := serialmux.NewRecorder(runs, stats, *vehicleID)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := datalogger.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("serial monitor: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// capture routine: segment the line stream into stored runs
	wg.Add(1)
	go func() {
		defer wg.Done()
		recorder.Run(ctx, datalogger)
		log.Print("capture routine terminated")
	}()

	// periodic capture stats
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(*statsEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats.LogStats()
			case <-ctx.Done():
				return
			}
		}
	}()

	pruner := store.NewPruner(runs, payloads, runRetention, pruneInterval)
	pruner.Start()
	defer pruner.Stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		httpMux := api.NewServer(engine, db, m, reg).ServeMux()
		datalogger.AttachAdminRoutes(httpMux)
		db.AttachAdminRoutes(httpMux)
		monitor.NewDebug(engine, stats).AttachAdminRoutes(httpMux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(httpMux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("HTTP server listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// loadConfig resolves the analysis parameter set.
func loadConfig() *config.AnalysisConfig {
	if *configPath == "" {
		return config.MustLoadDefaultConfig()
	}
	cfg, err := config.LoadAnalysisConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load analysis config: %v", err)
	}
	return cfg
}

// buildCache picks the payload cache backend. sqlite shares the runs
// database; redis reads REDIS_ADDR, REDIS_PASSWORD, and REDIS_DB from the
// environment.
func buildCache(payloads *store.PayloadStore, ttl time.Duration) (analysis.Cache, error) {
	switch *cacheMode {
	case "sqlite":
		return payloads, nil
	case "memory":
		return store.NewMemoryCache(ttl, timeutil.RealClock{}), nil
	case "redis":
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		redisDB := 0
		if v := os.Getenv("REDIS_DB"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
			}
			redisDB = n
		}
		return store.NewRedisCache(addr, os.Getenv("REDIS_PASSWORD"), redisDB, ttl)
	default:
		return nil, fmt.Errorf("unknown cache mode %q: expected sqlite, memory, or redis", *cacheMode)
	}
}

// buildSerialMux opens the datalogger according to the -serial mode.
func buildSerialMux() (serialmux.SerialMuxInterface, error) {
	switch *serialMode {
	case "real":
		opts := serialmux.PortOptions{BaudRate: *serialBaud}
		return serialmux.NewRealSerialMux(*serialPort, opts)
	case "mock":
		return serialmux.NewMockSerialMux([]byte(mockFrame+"\n"), 10*time.Millisecond), nil
	case "disabled":
		return serialmux.NewDisabledSerialMux(), nil
	default:
		return nil, fmt.Errorf("unknown serial mode %q: expected real, mock, or disabled", *serialMode)
	}
}
