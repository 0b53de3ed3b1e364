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
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/campaign"
	"github.com/BTreeMap/FlowPipe/internal/dispatch"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/graph"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/recovery"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowPipe state data
	DefaultStateDir = "/var/lib/flowpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "flowpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultTenant owns the channel connection when FLOWPIPE_TENANT is unset
	DefaultTenant = "default"
	// DefaultTimerTick is how often the durable job runner polls for due wakes
	DefaultTimerTick = time.Second
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 15 * time.Second
)

// Channel names accepted by FLOWPIPE_CHANNEL.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelTwilio   = "twilio"
	ChannelLog      = "log"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintln(os.Stderr, lockErr.Error())
		}
		slog.Error("FlowPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	WhatsAppDSN      string
	OpenAIKey        string
	APIAddr          string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	Channel          string
	Tenant           string
	CampaignTick     string
	TimerTick        time.Duration
	MenuCooldown     time.Duration
	DispatchRate     float64
	DispatchBurst    int
	MaxAttempts      int
	Debug            bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput     *string
	numeric      *bool
	stateDir     *string
	dbDSN        *string
	waDSN        *string
	openaiKey    *string
	apiAddr      *string
	redisAddr    *string
	channel      *string
	tenant       *string
	campaignTick *string

	config Config
}

// initializeLogger sets up structured logging at the FLOWPIPE_LOG_LEVEL level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(os.Getenv("FLOWPIPE_LOG_LEVEL"))}))
	slog.SetDefault(logger)
}

// parseLogLevel maps debug|info|warn|error to a slog level. Unknown values mean debug.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("FLOWPIPE_STATE_DIR"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		APIAddr:          os.Getenv("API_ADDR"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          util.ParseIntEnv("REDIS_DB", 0),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		Channel:          strings.ToLower(strings.TrimSpace(os.Getenv("FLOWPIPE_CHANNEL"))),
		Tenant:           os.Getenv("FLOWPIPE_TENANT"),
		CampaignTick:     os.Getenv("CAMPAIGN_TICK"),
		TimerTick:        util.ParseDurationEnv("TIMER_TICK", DefaultTimerTick),
		MenuCooldown:     time.Duration(util.ParseIntEnv("FLOW_MENU_COOLDOWN_SEC", int(flow.DefaultWelcomeCooldown/time.Second))) * time.Second,
		DispatchRate:     util.ParseFloatEnv("DISPATCH_RATE", float64(dispatch.DefaultRate)),
		DispatchBurst:    util.ParseIntEnv("DISPATCH_BURST", dispatch.DefaultBurst),
		MaxAttempts:      util.ParseIntEnv("DISPATCH_MAX_ATTEMPTS", dispatch.DefaultMaxAttempts),
		Debug:            parseLogLevel(os.Getenv("FLOWPIPE_LOG_LEVEL")) == slog.LevelDebug,
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if config.Channel == "" {
		config.Channel = ChannelWhatsApp
	}
	if config.Tenant == "" {
		config.Tenant = DefaultTenant
	}
	if config.CampaignTick == "" {
		config.CampaignTick = scheduler.DefaultCampaignTick
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}

	slog.Debug("environment variables loaded",
		"FLOWPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"REDIS_ADDR", config.RedisAddr,
		"FLOWPIPE_CHANNEL", config.Channel,
		"FLOWPIPE_TENANT", config.Tenant,
		"CAMPAIGN_TICK", config.CampaignTick)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlags(flag.CommandLine, os.Args[1:], config)
}

func parseFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		qrOutput:     fs.String("qr-output", "", "path to write login QR code"),
		numeric:      fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:     fs.String("state-dir", config.StateDir, "state directory for FlowPipe data (overrides $FLOWPIPE_STATE_DIR)"),
		dbDSN:        fs.String("db-dsn", config.DatabaseURL, "application database DSN, postgres URL or SQLite path (overrides $DATABASE_URL)"),
		waDSN:        fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:    fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:      fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		redisAddr:    fs.String("redis-addr", config.RedisAddr, "Redis address for the welcome lock (overrides $REDIS_ADDR)"),
		channel:      fs.String("channel", config.Channel, "messaging channel: whatsapp, twilio or log (overrides $FLOWPIPE_CHANNEL)"),
		tenant:       fs.String("tenant", config.Tenant, "tenant bound to the channel connection (overrides $FLOWPIPE_TENANT)"),
		campaignTick: fs.String("campaign-tick", config.CampaignTick, "cron spec of the campaign driver (overrides $CAMPAIGN_TICK)"),
		config:       config,
	}
	if err := fs.Parse(args); err != nil {
		slog.Warn("flag parsing failed", "error", err)
	}

	// Move default file DSNs along with an overridden state directory.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		}
		if *flags.waDSN == "file:"+filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			*flags.waDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
		slog.Debug("Updated database DSNs based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"channel", *flags.channel,
		"tenant", *flags.tenant,
		"campaignTick", *flags.campaignTick)
	return flags
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if flags.config.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(flags.config.TwilioAccountSID))
	}
	if flags.config.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(flags.config.TwilioAuthToken))
	}
	if flags.config.TwilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(flags.config.TwilioFrom))
	}
	return opts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return []store.Option{store.WithPostgresDSN(*flags.dbDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
	return []store.Option{store.WithSQLiteDSN(*flags.dbDSN)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildDispatchPolicy constructs the retry policy for channel sends
func buildDispatchPolicy(flags Flags) dispatch.Policy {
	p := dispatch.DefaultPolicy()
	if flags.config.MaxAttempts > 0 {
		p.MaxAttempts = flags.config.MaxAttempts
	}
	return p
}

// buildLimiterOptions constructs the per-tenant rate limiter options
func buildLimiterOptions(flags Flags) []dispatch.LimiterOption {
	var opts []dispatch.LimiterOption
	if flags.config.DispatchRate > 0 {
		opts = append(opts, dispatch.WithRate(flags.config.DispatchRate))
	}
	if flags.config.DispatchBurst > 0 {
		opts = append(opts, dispatch.WithBurst(flags.config.DispatchBurst))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// buildWelcomeLock uses Redis when an address is configured so several FlowPipe processes
// share the lock; otherwise the lock is process-local.
func buildWelcomeLock(flags Flags) (flow.WelcomeLock, func() error) {
	ttl := flags.config.MenuCooldown
	if ttl <= 0 {
		ttl = flow.DefaultWelcomeCooldown
	}
	if *flags.redisAddr == "" {
		return flow.NewMemoryWelcomeLock(ttl), func() error { return nil }
	}
	client := redis.NewClient(&redis.Options{
		Addr:     *flags.redisAddr,
		Password: flags.config.RedisPassword,
		DB:       flags.config.RedisDB,
	})
	slog.Info("Using Redis welcome lock", "addr", *flags.redisAddr, "ttl", ttl)
	return flow.NewRedisWelcomeLock(client, ttl), client.Close
}

// buildChannel connects the configured channel and returns its service. The returned
// webhook is non-nil for channels that receive inbound traffic over HTTP.
func buildChannel(flags Flags) (messaging.Service, api.Option, error) {
	switch *flags.channel {
	case ChannelWhatsApp:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, api.WithTwilioWebhook(svc.WebhookHandler), nil
	case ChannelLog:
		return messaging.NewLogService(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown channel %q (want %s, %s or %s)", *flags.channel, ChannelWhatsApp, ChannelTwilio, ChannelLog)
	}
}

// run wires every module together and blocks until a shutdown signal arrives.
func run(flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, webhookOpt, err := buildChannel(flags)
	if err != nil {
		return err
	}
	router := messaging.NewRouter()
	router.Register(*flags.tenant, svc)

	pipe := dispatch.NewPipeline(router, dispatch.NewRegistry(buildLimiterOptions(flags)...), st,
		dispatch.WithPolicy(buildDispatchPolicy(flags)))

	execOpts := []flow.ExecutorOption{
		flow.WithAssigner(flow.NewStoreAssigner(st)),
		flow.WithAssignRetry(buildDispatchPolicy(flags)),
	}
	if ai, err := genai.NewClient(buildGenAIOptions(flags)...); err != nil {
		slog.Warn("AI completion nodes disabled", "error", err)
	} else {
		execOpts = append(execOpts, flow.WithCompleter(ai))
	}

	welcomeLock, closeLock := buildWelcomeLock(flags)
	defer closeLock()
	interp := flow.NewInterpreter(st, flow.NewExecutor(execOpts...), pipe,
		flow.WithWelcomeLock(welcomeLock), flow.WithCache(graph.NewCache()))

	runner := store.NewJobRunner(st, flags.config.TimerTick)
	flow.RegisterJobHandlers(runner, interp)

	rm := recovery.NewRecoveryManager(st)
	rm.RegisterRecoverable(recovery.JobRecovery{Runner: runner})
	rm.RegisterRecoverable(recovery.DispatchRecovery{})
	rm.RegisterRecoverable(interp)
	rm.RegisterTimerRecovery(recovery.TimerRecoveryHandler(st))
	if err := rm.RecoverAll(ctx); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	campaigns := campaign.NewScheduler(st, campaign.NewStoreContacts(st), pipe, campaign.WithEnroller(interp))
	cron := scheduler.NewScheduler()
	if flags.config.Debug {
		cron = scheduler.NewScheduler(scheduler.WithVerboseLogging())
	}
	if err := cron.AddJob("campaign-tick", *flags.campaignTick, campaigns.OnCampaignTick); err != nil {
		return err
	}

	apiOpts := buildAPIOptions(flags)
	if webhookOpt != nil {
		apiOpts = append(apiOpts, webhookOpt)
	}
	srv := api.NewServer(st, interp, campaigns, apiOpts...)

	if err := router.Start(ctx, interp); err != nil {
		return fmt.Errorf("failed to start messaging: %w", err)
	}
	go runner.Run(ctx)
	cron.Start()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	slog.Info("FlowPipe started", "tenant", *flags.tenant, "channel", *flags.channel, "api_addr", *flags.apiAddr)

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			slog.Error("API server stopped", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	var errs []error
	if err := cron.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("api shutdown: %w", err))
	}
	if err := router.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("messaging shutdown: %w", err))
	}
	return errors.Join(errs...)
}
