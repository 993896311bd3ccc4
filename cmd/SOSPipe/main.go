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
	"syscall"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/alert"
	"github.com/BTreeMap/SOSPipe/internal/api"
	"github.com/BTreeMap/SOSPipe/internal/dispatch"
	"github.com/BTreeMap/SOSPipe/internal/guardian"
	"github.com/BTreeMap/SOSPipe/internal/lockfile"
	"github.com/BTreeMap/SOSPipe/internal/messaging"
	"github.com/BTreeMap/SOSPipe/internal/models"
	"github.com/BTreeMap/SOSPipe/internal/motion"
	"github.com/BTreeMap/SOSPipe/internal/store"
	"github.com/BTreeMap/SOSPipe/internal/trigger"
	"github.com/BTreeMap/SOSPipe/internal/twiliosms"
	"github.com/BTreeMap/SOSPipe/internal/util"
	"github.com/BTreeMap/SOSPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SOSPipe state data
	DefaultStateDir = "/var/lib/sospipe"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "sospipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	// ChannelTwilio sends alerts and prompts as SMS through Twilio.
	ChannelTwilio = "twilio"
	// ChannelWhatsApp sends them through a linked WhatsApp account.
	ChannelWhatsApp = "whatsapp"
)

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	APIAddr          string
	PublicURL        string

	ImpactThreshold float64
	Cooldown        time.Duration
	SampleInterval  time.Duration
	Strategy        string

	ContactChannel   string
	OwnerNumber      string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	ValidateWebhooks bool

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LocationURL     string
	StaticLatitude  float64
	StaticLongitude float64
	LocationTimeout time.Duration

	ResponseMaxAge time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput        *string
	numeric         *bool
	stateDir        *string
	appDBDSN        *string
	whatsappDBDSN   *string
	apiAddr         *string
	threshold       *float64
	cooldown        *time.Duration
	sampleInterval  *time.Duration
	strategy        *string
	contactChannel  *string
	ownerNumber     *string
	mqttBroker      *string
	redisAddr       *string
	locationURL     *string
	responseMaxAge  *time.Duration
	locationTimeout *time.Duration
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, config, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	applyFlags(&config, flags)

	if err := ensureDirectoriesExist(config); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(config.StateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping SOSPipe", "state_dir", config.StateDir, "channel", config.ContactChannel, "strategy", config.Strategy)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("SOSPipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("SOSPipe exited successfully")
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
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
		StateDir:         os.Getenv("SOSPIPE_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:          os.Getenv("API_ADDR"),
		PublicURL:        os.Getenv("PUBLIC_URL"),
		ImpactThreshold:  util.ParseFloatEnv("IMPACT_THRESHOLD", motion.DefaultThreshold),
		Cooldown:         util.ParseDurationEnv("COOLDOWN", trigger.DefaultCooldown),
		SampleInterval:   util.ParseDurationEnv("SAMPLE_INTERVAL", motion.DefaultInterval),
		Strategy:         os.Getenv("DISPATCH_STRATEGY"),
		ContactChannel:   os.Getenv("CONTACT_CHANNEL"),
		OwnerNumber:      os.Getenv("OWNER_NUMBER"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		ValidateWebhooks: util.ParseBoolEnv("TWILIO_VALIDATE_WEBHOOKS", true),
		MQTTBroker:       os.Getenv("MQTT_BROKER"),
		MQTTTopic:        os.Getenv("MQTT_TOPIC"),
		MQTTClientID:     os.Getenv("MQTT_CLIENT_ID"),
		MQTTUsername:     os.Getenv("MQTT_USERNAME"),
		MQTTPassword:     os.Getenv("MQTT_PASSWORD"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		LocationURL:      os.Getenv("LOCATION_URL"),
		StaticLatitude:   util.ParseFloatEnv("STATIC_LATITUDE", 0),
		StaticLongitude:  util.ParseFloatEnv("STATIC_LONGITUDE", 0),
		LocationTimeout:  util.ParseDurationEnv("LOCATION_TIMEOUT", alert.DefaultLocationTimeout),
		ResponseMaxAge:   util.ParseDurationEnv("PENDING_RESPONSE_MAX_AGE", messaging.DefaultResponseMaxAge),
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			config.RedisDB = db
		} else {
			slog.Warn("invalid REDIS_DB, using 0", "value", v)
		}
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SOSPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// DATABASE_DSN wins over the older DATABASE_URL.
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = defaultAppDSN(config.StateDir)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.ContactChannel == "" {
		config.ContactChannel = ChannelTwilio
	}

	slog.Debug("environment variables loaded",
		"SOSPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"API_ADDR", config.APIAddr,
		"IMPACT_THRESHOLD", config.ImpactThreshold,
		"COOLDOWN", config.Cooldown,
		"SAMPLE_INTERVAL", config.SampleInterval,
		"DISPATCH_STRATEGY", config.Strategy,
		"CONTACT_CHANNEL", config.ContactChannel,
		"OWNER_NUMBER_SET", config.OwnerNumber != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"MQTT_BROKER", config.MQTTBroker,
		"REDIS_ADDR", config.RedisAddr,
		"LOCATION_URL", config.LocationURL)

	return config
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, config Config, args []string) (Flags, error) {
	flags := Flags{
		qrOutput:        fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:         fs.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:        fs.String("state-dir", config.StateDir, "state directory for SOSPipe data (overrides $SOSPIPE_STATE_DIR)"),
		appDBDSN:        fs.String("db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_DSN or $DATABASE_URL)"),
		whatsappDBDSN:   fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:         fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		threshold:       fs.Float64("threshold", config.ImpactThreshold, "impact magnitude threshold (overrides $IMPACT_THRESHOLD)"),
		cooldown:        fs.Duration("cooldown", config.Cooldown, "incident cooldown (overrides $COOLDOWN)"),
		sampleInterval:  fs.Duration("sample-interval", config.SampleInterval, "sensor polling interval (overrides $SAMPLE_INTERVAL)"),
		strategy:        fs.String("strategy", config.Strategy, "dispatch strategy: prompt, direct or both (overrides $DISPATCH_STRATEGY)"),
		contactChannel:  fs.String("channel", config.ContactChannel, "contact channel: twilio or whatsapp (overrides $CONTACT_CHANNEL)"),
		ownerNumber:     fs.String("owner", config.OwnerNumber, "device owner's number for prompts (overrides $OWNER_NUMBER)"),
		mqttBroker:      fs.String("mqtt-broker", config.MQTTBroker, "MQTT broker for accelerometer readings (overrides $MQTT_BROKER)"),
		redisAddr:       fs.String("redis-addr", config.RedisAddr, "Redis address for the response latch (overrides $REDIS_ADDR)"),
		locationURL:     fs.String("location-url", config.LocationURL, "position endpoint URL (overrides $LOCATION_URL)"),
		responseMaxAge:  fs.Duration("response-max-age", config.ResponseMaxAge, "oldest reply acted on at startup (overrides $PENDING_RESPONSE_MAX_AGE)"),
		locationTimeout: fs.Duration("location-timeout", config.LocationTimeout, "position fetch timeout (overrides $LOCATION_TIMEOUT)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Database DSNs that still point at the old state dir follow a -state-dir override.
	if *flags.stateDir != config.StateDir {
		if *flags.appDBDSN == defaultAppDSN(config.StateDir) {
			*flags.appDBDSN = defaultAppDSN(*flags.stateDir)
		}
		if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		slog.Debug("Updated database DSNs based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"apiAddr", *flags.apiAddr,
		"threshold", *flags.threshold,
		"cooldown", *flags.cooldown,
		"strategy", *flags.strategy,
		"channel", *flags.contactChannel)
	return flags, nil
}

// applyFlags copies the parsed flag values over the environment configuration.
func applyFlags(config *Config, flags Flags) {
	config.StateDir = *flags.stateDir
	config.ApplicationDBDSN = *flags.appDBDSN
	config.WhatsAppDBDSN = *flags.whatsappDBDSN
	config.APIAddr = *flags.apiAddr
	config.ImpactThreshold = *flags.threshold
	config.Cooldown = *flags.cooldown
	config.SampleInterval = *flags.sampleInterval
	config.Strategy = *flags.strategy
	config.ContactChannel = *flags.contactChannel
	config.OwnerNumber = *flags.ownerNumber
	config.MQTTBroker = *flags.mqttBroker
	config.RedisAddr = *flags.redisAddr
	config.LocationURL = *flags.locationURL
	config.ResponseMaxAge = *flags.responseMaxAge
	config.LocationTimeout = *flags.locationTimeout
}

// ensureDirectoriesExist creates the directories of file-based databases
func ensureDirectoriesExist(config Config) error {
	if err := os.MkdirAll(config.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if store.DetectDSNType(config.ApplicationDBDSN) == "sqlite3" {
		dir := filepath.Dir(config.ApplicationDBDSN)
		slog.Debug("Creating directory for file-based database", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config, flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if config.WhatsAppDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio client options; unset values fall back to the
// TWILIO_* environment inside twiliosms.
func buildTwilioOptions(config Config) []twiliosms.Option {
	var opts []twiliosms.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliosms.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliosms.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFromNumber != "" {
		opts = append(opts, twiliosms.WithFromNumber(config.TwilioFromNumber))
	}
	return opts
}

// buildMQTTOptions constructs MQTT source options
func buildMQTTOptions(config Config) []motion.MQTTOption {
	opts := []motion.MQTTOption{motion.WithMQTTBroker(config.MQTTBroker)}
	if config.MQTTTopic != "" {
		opts = append(opts, motion.WithMQTTTopic(config.MQTTTopic))
	}
	if config.MQTTClientID != "" {
		opts = append(opts, motion.WithMQTTClientID(config.MQTTClientID))
	}
	if config.MQTTUsername != "" || config.MQTTPassword != "" {
		opts = append(opts, motion.WithMQTTCredentials(config.MQTTUsername, config.MQTTPassword))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, sensor *motion.PeakSensor, twilioSvc *messaging.TwilioService) []api.Option {
	var apiOpts []api.Option
	if config.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(config.APIAddr))
	}
	// Without a broker the API is the only way readings arrive.
	if config.MQTTBroker == "" {
		apiOpts = append(apiOpts, api.WithSampleSink(sensor))
	}
	if twilioSvc != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhooks(twilioSvc))
	}
	return apiOpts
}

// buildLocationProvider picks the HTTP provider when LOCATION_URL is set and fixed
// coordinates otherwise.
func buildLocationProvider(config Config) alert.LocationProvider {
	if config.LocationURL != "" {
		slog.Debug("Using HTTP location provider", "url", config.LocationURL)
		return alert.NewHTTPProvider(config.LocationURL)
	}
	slog.Warn("No LOCATION_URL set; alerts will carry the static coordinates",
		"latitude", config.StaticLatitude, "longitude", config.StaticLongitude)
	return alert.NewStaticProvider(config.StaticLatitude, config.StaticLongitude)
}

// buildMessagingService creates the outbound channel. The Twilio service is also
// returned so its webhooks can be mounted.
func buildMessagingService(config Config, flags Flags) (messaging.Service, *messaging.TwilioService, error) {
	switch config.ContactChannel {
	case ChannelTwilio:
		client, err := twiliosms.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if config.ValidateWebhooks && config.PublicURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(config.TwilioAuthToken, config.PublicURL))
		} else {
			slog.Warn("Twilio webhook signature validation disabled", "public_url_set", config.PublicURL != "")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, svc, nil
	case ChannelWhatsApp:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(config, flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown contact channel %q", config.ContactChannel)
	}
}

// buildLatch returns the one-shot response latch: Redis when configured, else the
// application database.
func buildLatch(ctx context.Context, config Config, st store.Store) (store.ReplyLatch, func(), error) {
	if config.RedisAddr != "" {
		client := store.NewRedisClient(config.RedisAddr, config.RedisPassword, config.RedisDB)
		latch := store.NewRedisLatch(client)
		if err := latch.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to reach Redis at %s: %w", config.RedisAddr, err)
		}
		slog.Info("Using Redis response latch", "addr", config.RedisAddr)
		return latch, func() { client.Close() }, nil
	}
	repo, ok := st.(store.ReplyLatch)
	if !ok {
		return nil, nil, errors.New("store does not provide a response latch")
	}
	return repo, func() {}, nil
}

// run wires the pipeline and blocks until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	strategy, err := dispatch.ParseStrategy(config.Strategy)
	if err != nil {
		return err
	}
	if strategy&dispatch.StrategyPrompt != 0 && config.OwnerNumber == "" {
		return errors.New("the prompt strategy requires OWNER_NUMBER")
	}

	st, err := store.Open(config.ApplicationDBDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	latch, closeLatch, err := buildLatch(ctx, config, st)
	if err != nil {
		return err
	}
	defer closeLatch()

	msgService, twilioSvc, err := buildMessagingService(config, flags)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()

	owner := messaging.NewOwnerNotifier(msgService, config.OwnerNumber)
	router, err := dispatch.NewRouter(strategy, messaging.NewChannel(msgService), owner, st)
	if err != nil {
		return err
	}

	sensor := motion.NewPeakSensor()
	defer sensor.Close()
	if config.MQTTBroker != "" {
		src, err := motion.NewMQTTSource(sensor, buildMQTTOptions(config)...)
		if err != nil {
			return err
		}
		if err := src.Connect(); err != nil {
			return err
		}
		defer src.Close()
	}

	composer := alert.NewComposer(buildLocationProvider(config), st, alert.WithLocationTimeout(config.LocationTimeout))
	g := guardian.New(
		motion.NewSampler(sensor, config.SampleInterval),
		motion.NewDetector(config.ImpactThreshold),
		trigger.NewDebouncer(config.Cooldown, trigger.NewSimpleTimer()),
		composer,
		router,
		st,
		guardian.WithNotifier(owner),
	)
	defer g.Stop()

	go g.TrackReceipts(ctx, msgService.Receipts())

	if config.OwnerNumber != "" {
		handler, err := messaging.NewResponseHandler(msgService, st, latch, config.OwnerNumber, g.SendAlertNow,
			messaging.WithMaxResponseAge(config.ResponseMaxAge))
		if err != nil {
			return err
		}
		if err := handler.CheckLastResponse(ctx); err != nil {
			slog.Error("Cold-start response check failed", "error", err)
		}
		handler.Start(ctx)
		defer handler.Wait()
	}

	if err := g.Arm(ctx); err != nil {
		if !errors.Is(err, models.ErrNoContactsConfigured) {
			return err
		}
		slog.Warn("No emergency contacts saved; monitoring stays disarmed until PUT /contacts")
	}

	// Runs first on return so the listeners exit before the deferred waits.
	defer cancel()

	server := api.NewServer(g, st, buildAPIOptions(config, sensor, twilioSvc)...)
	return server.Run(ctx)
}
