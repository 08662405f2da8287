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

	"github.com/joho/godotenv"
	"github.com/lobikohealth/LobikoPipe/internal/api"
	"github.com/lobikohealth/LobikoPipe/internal/cloudapi"
	"github.com/lobikohealth/LobikoPipe/internal/flow"
	"github.com/lobikohealth/LobikoPipe/internal/lockfile"
	"github.com/lobikohealth/LobikoPipe/internal/messaging"
	"github.com/lobikohealth/LobikoPipe/internal/realtime"
	"github.com/lobikohealth/LobikoPipe/internal/recovery"
	"github.com/lobikohealth/LobikoPipe/internal/store"
	"github.com/lobikohealth/LobikoPipe/internal/twiliowhatsapp"
	"github.com/lobikohealth/LobikoPipe/internal/util"
	"github.com/lobikohealth/LobikoPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LobikoPipe state data
	DefaultStateDir = "/var/lib/lobikopipe"
	// DefaultAppDBFileName is the default SQLite database for patients and sessions
	DefaultAppDBFileName = "lobikopipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultOutboxPollInterval is how often queued notifications are retried
	DefaultOutboxPollInterval = 5 * time.Second
)

// Supported values of MESSAGING_TRANSPORT.
const (
	TransportWhatsmeow = "whatsmeow"
	TransportTwilio    = "twilio"
	TransportCloudAPI  = "cloudapi"
)

// Config holds environment configuration
type Config struct {
	StateDir             string
	ApplicationDBDSN     string
	WhatsAppDBDSN        string
	APIAddr              string
	Transport            string
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFromNumber     string
	TwilioWebhookURL     string
	CloudToken           string
	CloudPhoneNumberID   string
	CloudVerifyToken     string
	CloudAppSecret       string
	RegistrationTimeout  time.Duration
	SendTimeout          time.Duration
	PersistConversations bool
	MaxConcurrency       int
	WSAllowedOrigins     string
	LogLevel             string
}

// Flags holds command line flag values
type Flags struct {
	stateDir             *string
	appDSN               *string
	whatsappDSN          *string
	apiAddr              *string
	transport            *string
	qrOutput             *string
	numeric              *bool
	registrationTimeout  *time.Duration
	sendTimeout          *time.Duration
	persistConversations *bool
	wsOrigins            *string
	logLevel             *string
}

func main() {
	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, flags); err != nil {
		slog.Error("LobikoPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("LobikoPipe exited successfully")
}

// initializeLogger installs a text slog handler at the requested level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:             os.Getenv("LOBIKO_STATE_DIR"),
		ApplicationDBDSN:     os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:        os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:              os.Getenv("API_ADDR"),
		Transport:            strings.ToLower(strings.TrimSpace(os.Getenv("MESSAGING_TRANSPORT"))),
		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:     os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:     os.Getenv("TWILIO_WEBHOOK_URL"),
		CloudToken:           os.Getenv("WHATSAPP_CLOUD_TOKEN"),
		CloudPhoneNumberID:   os.Getenv("WHATSAPP_CLOUD_PHONE_NUMBER_ID"),
		CloudVerifyToken:     os.Getenv("WHATSAPP_CLOUD_VERIFY_TOKEN"),
		CloudAppSecret:       os.Getenv("WHATSAPP_CLOUD_APP_SECRET"),
		RegistrationTimeout:  util.ParseDurationEnv("REGISTRATION_TIMEOUT", flow.DefaultRegistrationTimeout),
		SendTimeout:          util.ParseDurationEnv("SEND_TIMEOUT", messaging.DefaultSendTimeout),
		PersistConversations: util.ParseBoolEnv("PERSIST_CONVERSATIONS", false),
		MaxConcurrency:       util.ParseIntEnv("MAX_CONCURRENCY", messaging.DefaultMaxConcurrency),
		WSAllowedOrigins:     os.Getenv("WS_ALLOWED_ORIGINS"),
		LogLevel:             os.Getenv("LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.Transport == "" {
		config.Transport = TransportWhatsmeow
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"LOBIKO_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"MESSAGING_TRANSPORT", config.Transport,
		"API_ADDR", config.APIAddr,
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "",
		"WHATSAPP_CLOUD_TOKEN_SET", config.CloudToken != "",
		"REGISTRATION_TIMEOUT", config.RegistrationTimeout,
		"PERSIST_CONVERSATIONS", config.PersistConversations)
	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses args with environment values as defaults.
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("LobikoPipe", flag.ContinueOnError)
	flags := Flags{
		stateDir:             fs.String("state-dir", config.StateDir, "state directory for LobikoPipe data (overrides $LOBIKO_STATE_DIR)"),
		appDSN:               fs.String("db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_URL)"),
		whatsappDSN:          fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:              fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		transport:            fs.String("transport", config.Transport, "messaging transport: whatsmeow, twilio or cloudapi (overrides $MESSAGING_TRANSPORT)"),
		qrOutput:             fs.String("qr-output", "", "path to write the whatsmeow login QR code"),
		numeric:              fs.Bool("numeric-code", false, "print a numeric login code instead of a QR code"),
		registrationTimeout:  fs.Duration("registration-timeout", config.RegistrationTimeout, "inactivity window for registration (overrides $REGISTRATION_TIMEOUT)"),
		sendTimeout:          fs.Duration("send-timeout", config.SendTimeout, "per-message send timeout (overrides $SEND_TIMEOUT)"),
		persistConversations: fs.Bool("persist-conversations", config.PersistConversations, "keep conversation states in the database (overrides $PERSIST_CONVERSATIONS)"),
		wsOrigins:            fs.String("ws-origins", config.WSAllowedOrigins, "comma-separated extra origins allowed on /ws, * for any (overrides $WS_ALLOWED_ORIGINS)"),
		logLevel:             fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)"),
	}
	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	// Databases defaulted under the state dir follow a -state-dir override.
	if *flags.stateDir != config.StateDir {
		if *flags.appDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.appDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.whatsappDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
	}
	*flags.transport = strings.ToLower(strings.TrimSpace(*flags.transport))

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"transport", *flags.transport,
		"apiAddr", *flags.apiAddr,
		"registrationTimeout", *flags.registrationTimeout,
		"persistConversations", *flags.persistConversations)
	return flags, nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	dsn := *flags.appDSN
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		return []store.Option{store.WithPostgresDSN(dsn)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return []store.Option{store.WithSQLiteDSN(dsn)}
}

// buildWhatsAppOptions constructs whatsmeow configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDeviceDSN(*flags.whatsappDSN)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// transport is the selected messaging service plus the HTTP routes it needs.
type transport struct {
	service messaging.Service
	apiOpts []api.Option
}

// buildTransport constructs the messaging service for the selected transport.
func buildTransport(ctx context.Context, config Config, flags Flags) (transport, error) {
	switch *flags.transport {
	case TransportWhatsmeow:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return transport{}, fmt.Errorf("whatsmeow client: %w", err)
		}
		svc := messaging.NewWhatsAppService(client)
		return transport{
			service: svc,
			apiOpts: []api.Option{api.WithTransportCheck(svc.Connected)},
		}, nil

	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFromNumber),
		)
		if err != nil {
			return transport{}, fmt.Errorf("twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if config.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithTwilioSignatureValidation(config.TwilioAuthToken, config.TwilioWebhookURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set; Twilio webhook signatures are not verified")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return transport{
			service: svc,
			apiOpts: []api.Option{api.WithTwilioWebhook(svc.TwilioWebhookHandler)},
		}, nil

	case TransportCloudAPI:
		client, err := cloudapi.NewClient(
			cloudapi.WithToken(config.CloudToken),
			cloudapi.WithPhoneNumberID(config.CloudPhoneNumberID),
		)
		if err != nil {
			return transport{}, fmt.Errorf("cloud API client: %w", err)
		}
		if config.CloudVerifyToken == "" {
			return transport{}, errors.New("WHATSAPP_CLOUD_VERIFY_TOKEN is required for the cloudapi transport")
		}
		if config.CloudAppSecret == "" {
			slog.Warn("WHATSAPP_CLOUD_APP_SECRET not set; Cloud API webhook signatures are not verified")
		}
		svc := messaging.NewCloudAPIService(client, config.CloudVerifyToken, config.CloudAppSecret)
		return transport{
			service: svc,
			apiOpts: []api.Option{api.WithCloudAPIWebhook(svc.WebhookHandler)},
		}, nil
	}
	return transport{}, fmt.Errorf("unknown messaging transport %q (want %s, %s or %s)",
		*flags.transport, TransportWhatsmeow, TransportTwilio, TransportCloudAPI)
}

// app is the wired service graph, minus the transport's network client.
type app struct {
	store         store.Store
	conversations *flow.ConversationStore
	sessions      *flow.SessionManager
	coordinator   *flow.Coordinator
	notifier      *messaging.Notifier
	responses     *messaging.ResponseHandler
	outbox        *store.OutboxSender
	dedupPurge    recovery.DedupPurge
	hub           *realtime.Hub
	recovery      *recovery.RecoveryManager
	server        *api.Server
}

// buildApp wires the intake flow around an open store and messaging service.
func buildApp(st store.Store, svc messaging.Service, flags Flags, apiOpts []api.Option, maxConcurrency int) *app {
	var states flow.StateStore = flow.NewMemoryStateStore()
	if *flags.persistConversations {
		states = flow.NewPersistentStateStore(st)
	}

	locks := flow.NewKeyedMutex()
	conversations := flow.NewConversationStore(states,
		flow.WithTTL(*flags.registrationTimeout),
		flow.WithKeyLocks(locks),
	)
	hub := realtime.NewHub()
	notifier := messaging.NewNotifier(svc,
		messaging.WithOutbox(st),
		messaging.WithSendTimeout(*flags.sendTimeout),
	)
	sessions := flow.NewSessionManager(st, st, st, conversations, notifier, hub)
	coordinator := flow.NewCoordinator(flow.Dependencies{
		Conversations: conversations,
		Patients:      st,
		Sessions:      sessions,
		Notifier:      notifier,
		Events:        hub,
		Locks:         locks,
	})
	responses := messaging.NewResponseHandler(coordinator,
		messaging.WithDedup(st),
		messaging.WithMaxConcurrency(maxConcurrency),
	)
	outbox := store.NewOutboxSender(st, notifier.Deliver, DefaultOutboxPollInterval)

	rm := recovery.NewRecoveryManager()
	if *flags.persistConversations {
		rm.RegisterRecoverable(recovery.ConversationTimers{Conversations: conversations})
	}
	rm.RegisterRecoverable(recovery.StaleOutbox{Sender: outbox})
	dedupPurge := recovery.DedupPurge{Repo: st}
	rm.RegisterRecoverable(dedupPurge)

	var origins []string
	if flags.wsOrigins != nil {
		origins = splitList(*flags.wsOrigins)
	}
	opts := append([]api.Option{}, apiOpts...)
	opts = append(opts, api.WithRealtime(realtime.NewHandler(hub, realtime.AllowOrigins(origins))))
	server := api.NewServer(st, sessions, opts...)

	return &app{
		store:         st,
		conversations: conversations,
		sessions:      sessions,
		coordinator:   coordinator,
		notifier:      notifier,
		responses:     responses,
		outbox:        outbox,
		dedupPurge:    dedupPurge,
		hub:           hub,
		recovery:      rm,
		server:        server,
	}
}

// splitList splits a comma-separated setting, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// start recovers persisted work, then starts the service and background loops.
func (a *app) start(ctx context.Context, svc messaging.Service) error {
	if err := a.recovery.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery finished with errors", "error", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	a.responses.Start(ctx, svc)
	go a.outbox.Run(ctx)
	go a.dedupPurge.Run(ctx, recovery.DefaultDedupPurgeInterval)
	return nil
}

// shutdown stops timers and the messaging service, then waits for in-flight messages.
func (a *app) shutdown(svc messaging.Service) {
	a.conversations.Stop()
	if err := svc.Stop(); err != nil {
		slog.Warn("Messaging service stop failed", "error", err)
	}
	a.responses.Wait()
}

func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tr, err := buildTransport(ctx, config, flags)
	if err != nil {
		return err
	}

	slog.Info("Bootstrapping LobikoPipe", "transport", *flags.transport, "state_dir", *flags.stateDir)
	a := buildApp(st, tr.service, flags, append(buildAPIOptions(flags), tr.apiOpts...), config.MaxConcurrency)
	if err := a.start(ctx, tr.service); err != nil {
		return err
	}
	defer a.shutdown(tr.service)

	return a.server.Run(ctx)
}
