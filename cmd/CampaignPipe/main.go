package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/api"
	"github.com/BTreeMap/CampaignPipe/internal/credits"
	"github.com/BTreeMap/CampaignPipe/internal/delivery"
	"github.com/BTreeMap/CampaignPipe/internal/genai"
	"github.com/BTreeMap/CampaignPipe/internal/lockfile"
	"github.com/BTreeMap/CampaignPipe/internal/orchestrator"
	"github.com/BTreeMap/CampaignPipe/internal/planner"
	"github.com/BTreeMap/CampaignPipe/internal/registry"
	"github.com/BTreeMap/CampaignPipe/internal/scheduler"
	"github.com/BTreeMap/CampaignPipe/internal/store"
	"github.com/BTreeMap/CampaignPipe/internal/tools"
	"github.com/BTreeMap/CampaignPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CampaignPipe state data
	DefaultStateDir = "/var/lib/campaignpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "campaignpipe.db"
	// DefaultTelemetryRetention is how long generation telemetry is kept
	DefaultTelemetryRetention = 30 * 24 * time.Hour
	// DefaultOutboxPollInterval is how often the delivery outbox is polled
	DefaultOutboxPollInterval = 5 * time.Second
	// DefaultPruneSchedule is when telemetry retention runs
	DefaultPruneSchedule = "@daily"
	// DefaultOutboxRecoverySchedule is how often stuck outbox rows are requeued
	DefaultOutboxRecoverySchedule = "@every 5m"
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Initialize structured logger
	initializeLogger(config.Debug)

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CampaignPipe with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("CampaignPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CampaignPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL        string
	StateDir           string
	OpenAIKey          string
	APIAddr            string
	DeliveryWebhook    string
	ResumeWindow       time.Duration
	GenerationTimeout  time.Duration
	CongestionLookback time.Duration
	TelemetryRetention time.Duration
	PruneSchedule      string
	Debug              bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	dbDSN           *string
	openaiKey       *string
	apiAddr         *string
	deliveryWebhook *string
}

// initializeLogger sets up structured logging; debug mode lowers the level.
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:        util.GetEnv("CAMPAIGNPIPE_DB_DSN", os.Getenv("DATABASE_URL")),
		StateDir:           util.GetEnv("CAMPAIGNPIPE_STATE_DIR", DefaultStateDir),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		APIAddr:            util.GetEnv("API_ADDR", api.DefaultAddr),
		DeliveryWebhook:    os.Getenv("CAMPAIGNPIPE_DELIVERY_WEBHOOK"),
		ResumeWindow:       util.ParseDurationEnv("CAMPAIGNPIPE_RESUME_WINDOW", orchestrator.DefaultResumeWindow),
		GenerationTimeout:  util.ParseDurationEnv("CAMPAIGNPIPE_GENERATION_TIMEOUT", orchestrator.DefaultGenerationTimeout),
		CongestionLookback: util.ParseDurationEnv("CAMPAIGNPIPE_CONGESTION_LOOKBACK", credits.DefaultCongestionLookback),
		TelemetryRetention: util.ParseDurationEnv("CAMPAIGNPIPE_TELEMETRY_RETENTION", DefaultTelemetryRetention),
		PruneSchedule:      util.GetEnv("CAMPAIGNPIPE_PRUNE_SCHEDULE", DefaultPruneSchedule),
		Debug:              util.ParseBoolEnv("CAMPAIGNPIPE_DEBUG", false),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CAMPAIGNPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"CAMPAIGNPIPE_DELIVERY_WEBHOOK_SET", config.DeliveryWebhook != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:        flag.String("state-dir", config.StateDir, "state directory for CampaignPipe data (overrides $CAMPAIGNPIPE_STATE_DIR)"),
		dbDSN:           flag.String("db-dsn", config.DatabaseURL, "database DSN, Postgres URL or SQLite path (overrides $CAMPAIGNPIPE_DB_DSN or $DATABASE_URL)"),
		openaiKey:       flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:         flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		deliveryWebhook: flag.String("delivery-webhook", config.DeliveryWebhook, "URL receiving campaign handoffs (overrides $CAMPAIGNPIPE_DELIVERY_WEBHOOK)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"deliveryWebhookSet", *flags.deliveryWebhook != "")

	// Follow a state-dir override when the DSN is still the default SQLite path
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates the directory holding a file-based database
func ensureDirectoriesExist(flags Flags) error {
	if *flags.dbDSN == "" || store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	return nil
}

// openStore selects the backend from the DSN: Postgres, SQLite, or memory when empty.
func openStore(dsn string) (store.Store, error) {
	switch {
	case dsn == "":
		slog.Warn("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	case store.DetectDSNType(dsn) == "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
		return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags, config Config, reg *registry.Registry) []genai.Option {
	genaiOpts := []genai.Option{
		genai.WithCostFunc(reg.CostFor),
		genai.WithDebugMode(config.Debug),
		genai.WithStateDir(*flags.stateDir),
	}
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildDeliverySink posts handoffs to the webhook when one is configured.
func buildDeliverySink(webhook string) delivery.Sink {
	if webhook == "" {
		slog.Info("No delivery webhook configured, handoffs will be logged")
		return delivery.LogSink{}
	}
	return delivery.NewWebhookSink(webhook)
}

// pruneTelemetry drops telemetry older than retention.
func pruneTelemetry(ctx context.Context, repo store.TelemetryRepo, retention time.Duration) {
	n, err := repo.PruneTelemetry(ctx, time.Now().Add(-retention))
	if err != nil {
		slog.Warn("pruneTelemetry: failed", "error", err)
		return
	}
	slog.Debug("pruneTelemetry: done", "deleted", n)
}

// scheduleMaintenance registers telemetry retention and outbox recovery.
func scheduleMaintenance(sched *scheduler.Scheduler, config Config, st store.Store, sender *store.OutboxSender) error {
	if err := sched.AddJob("telemetry-prune", config.PruneSchedule, func(ctx context.Context) {
		pruneTelemetry(ctx, st, config.TelemetryRetention)
	}); err != nil {
		return err
	}
	return sched.AddJob("outbox-recover", DefaultOutboxRecoverySchedule, func(ctx context.Context) {
		if err := sender.RecoverStaleMessages(ctx); err != nil {
			slog.Warn("Outbox recovery failed", "error", err)
		}
	})
}

// lockStateDir holds the directory lock for file-based databases. Postgres
// and in-memory stores need none.
func lockStateDir(dsn string) (*lockfile.Lock, error) {
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return nil, nil
	}
	return lockfile.AcquireLock(filepath.Dir(dsn))
}

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockStateDir(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := registry.New(registry.WithEnvLookup(os.Getenv))
	catalog, err := tools.DefaultCatalog()
	if err != nil {
		return fmt.Errorf("load template catalog: %w", err)
	}

	var orchOpts []orchestrator.Option
	orchOpts = append(orchOpts,
		orchestrator.WithResumeWindow(config.ResumeWindow),
		orchestrator.WithGenerationTimeout(config.GenerationTimeout),
	)

	// Without a key the planner falls back to heuristics and replies are canned.
	var gen planner.Generator
	if *flags.openaiKey != "" {
		client, err := genai.NewClient(buildGenAIOptions(flags, config, reg)...)
		if err != nil {
			return fmt.Errorf("create genai client: %w", err)
		}
		gen = client
		orchOpts = append(orchOpts, orchestrator.WithResponder(client))
	} else {
		slog.Warn("OPENAI_API_KEY not set, running with heuristic planning only")
	}

	engine := credits.NewEngine(st, st, credits.WithCongestionLookback(config.CongestionLookback))
	pl := planner.New(gen, planner.WithTimeout(config.GenerationTimeout), planner.WithTemplateIDs(catalog.IDs()))
	orch := orchestrator.New(st, engine, reg, pl, tools.NewExecutor(catalog), orchOpts...)

	sender := store.NewOutboxSender(st, delivery.SendFunc(buildDeliverySink(*flags.deliveryWebhook)), DefaultOutboxPollInterval)
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		slog.Warn("Outbox recovery failed", "error", err)
	}
	go sender.Run(ctx)

	pruneTelemetry(ctx, st, config.TelemetryRetention)
	sched := scheduler.NewScheduler(ctx)
	if err := scheduleMaintenance(sched, config, st, sender); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	server := api.NewServer(orch, engine, st, api.WithAddr(*flags.apiAddr))
	return server.Run(ctx)
}
