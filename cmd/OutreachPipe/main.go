package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/api"
	"github.com/BTreeMap/OutreachPipe/internal/fence"
	"github.com/BTreeMap/OutreachPipe/internal/genai"
	"github.com/BTreeMap/OutreachPipe/internal/lockfile"
	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/recovery"
	"github.com/BTreeMap/OutreachPipe/internal/render"
	"github.com/BTreeMap/OutreachPipe/internal/scheduler"
	"github.com/BTreeMap/OutreachPipe/internal/sequence"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/twilio"
	"github.com/BTreeMap/OutreachPipe/internal/util"
	"github.com/BTreeMap/OutreachPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for OutreachPipe state data
	DefaultStateDir = "/var/lib/outreachpipe"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "outreachpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultJobPollInterval is how often the dispatch queue is polled in queue mode
	DefaultJobPollInterval = 5 * time.Second
	// DefaultSMTPPort is used when SMTP_PORT is unset or invalid
	DefaultSMTPPort = 587

	whatsAppBackendTwilio    = "twilio"
	whatsAppBackendWhatsmeow = "whatsmeow"
)

// appStore is a store that also backs the durable dispatch queue.
type appStore interface {
	store.Store
	store.JobRepo
}

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config, os.Args[1:])

	// Initialize structured logger
	initializeLogger(*flags.debug)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping OutreachPipe with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.appDBDSN != "", "api_addr", *flags.apiAddr,
		"tick_schedule", *flags.tickSchedule, "dispatch_mode", *flags.dispatchMode)
	if err := run(ctx, flags); err != nil {
		slog.Error("OutreachPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("OutreachPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	APIAddr          string
	TickSchedule     string
	TickConcurrency  int
	DispatchMode     string
	CronSecret       string
	RedisURL         string
	WhatsAppBackend  string
	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
	SMTPFromEmail    string
	SMTPFromName     string
	SMTPEncryption   string
	OpenAIKey        string
	Personalize      bool
	TickOnStart      bool
	Debug            bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	appDBDSN        *string
	whatsappDBDSN   *string
	apiAddr         *string
	tickSchedule    *string
	tickConcurrency *int
	dispatchMode    *string
	cronSecret      *string
	redisURL        *string
	whatsappBackend *string
	qrOutput        *string
	numeric         *bool
	openaiKey       *string
	personalize     *bool
	tickOnStart     *bool
	debug           *bool

	smtp smtpConfig
}

// smtpConfig is taken from the environment only.
type smtpConfig struct {
	host, username, password, fromEmail, fromName, encryption string
	port                                                      int
}

// initializeLogger sets up structured logging on stdout
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
		StateDir:        os.Getenv("OUTREACH_STATE_DIR"),
		WhatsAppDBDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:         os.Getenv("API_ADDR"),
		TickSchedule:    os.Getenv("TICK_SCHEDULE"),
		TickConcurrency: envInt("TICK_CONCURRENCY", sequence.DefaultTickConcurrency),
		DispatchMode:    os.Getenv("DISPATCH_MODE"),
		CronSecret:      os.Getenv("CRON_SECRET"),
		RedisURL:        os.Getenv("REDIS_URL"),
		WhatsAppBackend: os.Getenv("WHATSAPP_BACKEND"),
		SMTPHost:        os.Getenv("SMTP_HOST"),
		SMTPPort:        envInt("SMTP_PORT", DefaultSMTPPort),
		SMTPUsername:    os.Getenv("SMTP_USERNAME"),
		SMTPPassword:    os.Getenv("SMTP_PASSWORD"),
		SMTPFromEmail:   os.Getenv("SMTP_FROM_EMAIL"),
		SMTPFromName:    os.Getenv("SMTP_FROM_NAME"),
		SMTPEncryption:  os.Getenv("SMTP_ENCRYPTION"),
		OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
		Personalize:     util.ParseBoolEnv("PERSONALIZE_ENABLED", false),
		TickOnStart:     util.ParseBoolEnv("TICK_ON_START", true),
		Debug:           util.ParseBoolEnv("DEBUG", false),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No OUTREACH_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// DATABASE_DSN takes precedence over DATABASE_URL
	config.ApplicationDBDSN = os.Getenv("DATABASE_DSN")
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}

	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.WhatsAppBackend == "" {
		config.WhatsAppBackend = whatsAppBackendTwilio
	}
	if config.TickSchedule == "" {
		config.TickSchedule = scheduler.DefaultTickSchedule
	}

	slog.Debug("environment variables loaded",
		"OUTREACH_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"API_ADDR", config.APIAddr,
		"TICK_SCHEDULE", config.TickSchedule,
		"TICK_CONCURRENCY", config.TickConcurrency,
		"DISPATCH_MODE", config.DispatchMode,
		"CRON_SECRET_SET", config.CronSecret != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"WHATSAPP_BACKEND", config.WhatsAppBackend,
		"SMTP_HOST", config.SMTPHost,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"PERSONALIZE_ENABLED", config.Personalize)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// envInt reads an integer environment variable, falling back to def when unset or invalid.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer environment variable, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) Flags {
	fs := flag.NewFlagSet("OutreachPipe", flag.ExitOnError)
	flags := Flags{
		stateDir:        fs.String("state-dir", config.StateDir, "state directory for OutreachPipe data (overrides $OUTREACH_STATE_DIR)"),
		appDBDSN:        fs.String("db-dsn", config.ApplicationDBDSN, "application database DSN, SQLite path or Postgres URL (overrides $DATABASE_DSN or $DATABASE_URL)"),
		whatsappDBDSN:   fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:         fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		tickSchedule:    fs.String("tick-schedule", config.TickSchedule, "cron schedule for the outreach tick (overrides $TICK_SCHEDULE)"),
		tickConcurrency: fs.Int("tick-concurrency", config.TickConcurrency, "maximum instances processed in parallel per tick (overrides $TICK_CONCURRENCY)"),
		dispatchMode:    fs.String("dispatch-mode", config.DispatchMode, "inline or queue (overrides $DISPATCH_MODE)"),
		cronSecret:      fs.String("cron-secret", config.CronSecret, "bearer secret for POST /cron/outreach (overrides $CRON_SECRET)"),
		redisURL:        fs.String("redis-url", config.RedisURL, "Redis URL for the cross-process tick fence (overrides $REDIS_URL)"),
		whatsappBackend: fs.String("whatsapp-backend", config.WhatsAppBackend, "twilio or whatsmeow (overrides $WHATSAPP_BACKEND)"),
		qrOutput:        fs.String("qr-output", "", "path to write the whatsmeow login QR code"),
		numeric:         fs.Bool("numeric-code", false, "use numeric whatsmeow login code instead of QR code"),
		openaiKey:       fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		personalize:     fs.Bool("personalize", config.Personalize, "enable GenAI personalization of steps (overrides $PERSONALIZE_ENABLED)"),
		tickOnStart:     fs.Bool("tick-on-start", config.TickOnStart, "run a catch-up tick at startup (overrides $TICK_ON_START)"),
		debug:           fs.Bool("debug", config.Debug, "enable debug logging"),
		smtp: smtpConfig{
			host:       config.SMTPHost,
			port:       config.SMTPPort,
			username:   config.SMTPUsername,
			password:   config.SMTPPassword,
			fromEmail:  config.SMTPFromEmail,
			fromName:   config.SMTPFromName,
			encryption: config.SMTPEncryption,
		},
	}

	_ = fs.Parse(args)

	// Follow a changed state directory unless the DSNs were set explicitly
	if *flags.stateDir != config.StateDir {
		if *flags.appDBDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
			slog.Debug("Updated db DSN based on state directory", "new_state_dir", *flags.stateDir)
		}
		if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.appDBDSN != "",
		"apiAddr", *flags.apiAddr,
		"tickSchedule", *flags.tickSchedule,
		"tickConcurrency", *flags.tickConcurrency,
		"dispatchMode", *flags.dispatchMode,
		"whatsappBackend", *flags.whatsappBackend,
		"personalize", *flags.personalize)

	return flags
}

// usesSQLite reports whether the application database is a SQLite file.
func usesSQLite(flags Flags) bool {
	return store.DetectDSNType(*flags.appDBDSN) != "postgres"
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if usesSQLite(flags) {
		dir := filepath.Dir(strings.TrimPrefix(*flags.appDBDSN, "file:"))
		slog.Debug("Creating directory for file-based database", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	return nil
}

// run wires every module and blocks until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	if usesSQLite(flags) {
		lock, err := lockfile.AcquireLock(*flags.stateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	sender, closeSenders, err := buildSender(flags)
	if err != nil {
		return err
	}
	defer closeSenders()

	renderer, err := buildRenderer(flags)
	if err != nil {
		return err
	}

	engine := sequence.NewEngine(st)
	disp := sequence.NewDispatcher(st, sender, sequence.WithRenderer(renderer))

	schedOpts, err := buildSchedulerOptions(flags, st)
	if err != nil {
		return err
	}
	if *flags.redisURL != "" {
		f, err := fence.New(ctx, fence.WithURL(*flags.redisURL))
		if err != nil {
			return err
		}
		defer f.Close()
		schedOpts = append(schedOpts, sequence.WithTickFence(f))
	}
	sched := sequence.NewScheduler(st, disp, schedOpts...)

	rm := recovery.NewRecoveryManager()
	var runner *store.JobRunner
	if sched.Mode() == sequence.DispatchQueue {
		runner = store.NewJobRunner(st, DefaultJobPollInterval)
		sequence.RegisterDispatchHandler(runner, disp)
		rm.RegisterRecoverable(recovery.NewJobQueueRecovery(runner))
	}
	if *flags.tickOnStart {
		rm.RegisterRecoverable(recovery.NewCatchUpTick(sched))
	}
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery finished with errors", "error", err)
	}
	if runner != nil {
		go runner.Run(ctx)
	}

	trigger := scheduler.NewScheduler()
	defer trigger.Stop()
	if err := trigger.AddJob(*flags.tickSchedule, func() { runScheduledTick(ctx, sched) }); err != nil {
		return err
	}

	server := api.NewServer(engine, sched, buildAPIOptions(flags)...)
	return server.Run(ctx)
}

// runScheduledTick is the cron entry point for one outreach tick.
func runScheduledTick(ctx context.Context, sched *sequence.Scheduler) {
	res, err := sched.Tick(ctx)
	if errors.Is(err, sequence.ErrTickInProgress) {
		slog.Info("scheduled tick skipped, another tick is running")
		return
	}
	if err != nil {
		slog.Error("scheduled tick failed", "error", err)
		return
	}
	slog.Info("scheduled tick finished", "outcomes", len(res.Outcomes), "dispatched", res.Dispatched, "completed", res.Completed, "failed", res.Failed, "skipped", res.Skipped)
}

// openStore opens Postgres or SQLite depending on the DSN type
func openStore(flags Flags) (appStore, error) {
	opts := buildStoreOptions(flags)
	if !usesSQLite(flags) {
		return store.NewPostgresStore(opts...)
	}
	return store.NewSQLiteStore(opts...)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.appDBDSN != "" {
		if store.DetectDSNType(*flags.appDBDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.appDBDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.appDBDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.appDBDSN))
		}
	}
	return storeOpts
}

// buildWhatsAppOptions constructs whatsmeow configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildSMTPOptions constructs SMTP sender options, or nil when SMTP is not configured
func buildSMTPOptions(flags Flags) []messaging.SMTPOption {
	if flags.smtp.host == "" {
		return nil
	}
	return []messaging.SMTPOption{
		messaging.WithSMTPServer(flags.smtp.host, flags.smtp.port),
		messaging.WithSMTPAuth(flags.smtp.username, flags.smtp.password),
		messaging.WithSMTPFrom(flags.smtp.fromEmail, flags.smtp.fromName),
		messaging.WithSMTPEncryption(flags.smtp.encryption),
	}
}

// twilioConfigured reports whether Twilio credentials are present in the environment.
func twilioConfigured() bool {
	return os.Getenv("TWILIO_ACCOUNT_SID") != "" && os.Getenv("TWILIO_AUTH_TOKEN") != ""
}

// buildSender registers a provider per channel. Channels without a provider
// fall back to the dry-run recording sender.
func buildSender(flags Flags) (messaging.Sender, func(), error) {
	router := messaging.NewRouter()
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if opts := buildSMTPOptions(flags); opts != nil {
		smtp, err := messaging.NewSMTPSender(opts...)
		if err != nil {
			return nil, closeAll, fmt.Errorf("configure SMTP: %w", err)
		}
		router.Register(models.ChannelEmail, smtp)
	}

	if twilioConfigured() {
		client, err := twilio.NewClient()
		if err != nil {
			return nil, closeAll, fmt.Errorf("configure Twilio: %w", err)
		}
		tw := messaging.NewTwilioSender(client)
		router.Register(models.ChannelSMS, tw)
		if *flags.whatsappBackend == whatsAppBackendTwilio {
			router.Register(models.ChannelWhatsApp, tw)
		}
	}

	switch *flags.whatsappBackend {
	case whatsAppBackendTwilio:
	case whatsAppBackendWhatsmeow:
		wa, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, closeAll, fmt.Errorf("configure whatsmeow: %w", err)
		}
		closers = append(closers, wa.Disconnect)
		router.Register(models.ChannelWhatsApp, messaging.NewWhatsAppSender(wa))
	default:
		return nil, closeAll, fmt.Errorf("%w: unknown WhatsApp backend %q", models.ErrValidation, *flags.whatsappBackend)
	}

	configured := make(map[models.Channel]bool)
	for _, ch := range router.Channels() {
		configured[ch] = true
	}
	var dryRun *messaging.RecordingSender
	for _, ch := range []models.Channel{models.ChannelEmail, models.ChannelSMS, models.ChannelWhatsApp} {
		if configured[ch] {
			continue
		}
		if dryRun == nil {
			dryRun = messaging.NewRecordingSender()
		}
		slog.Warn("No provider configured for channel, messages will only be logged", "channel", ch)
		router.Register(ch, dryRun)
	}
	return router, closeAll, nil
}

// buildRenderer enables GenAI personalization when requested and a key is available
func buildRenderer(flags Flags) (*render.Renderer, error) {
	if !*flags.personalize {
		return render.NewRenderer(), nil
	}
	if *flags.openaiKey == "" {
		slog.Warn("Personalization enabled without an OpenAI API key, rendering templates only")
		return render.NewRenderer(), nil
	}
	client, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		return nil, fmt.Errorf("configure GenAI: %w", err)
	}
	return render.NewRenderer(render.WithPersonalizer(render.NewGenAIPersonalizer(client))), nil
}

// buildSchedulerOptions constructs tick scheduler options
func buildSchedulerOptions(flags Flags, jobs store.JobRepo) ([]sequence.SchedulerOption, error) {
	mode, err := sequence.ParseDispatchMode(*flags.dispatchMode)
	if err != nil {
		return nil, err
	}
	opts := []sequence.SchedulerOption{sequence.WithTickConcurrency(*flags.tickConcurrency)}
	if mode == sequence.DispatchQueue {
		opts = append(opts, sequence.WithDispatchQueue(jobs))
	}
	return opts, nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.cronSecret != "" {
		apiOpts = append(apiOpts, api.WithCronSecret(*flags.cronSecret))
	}
	return apiOpts
}
