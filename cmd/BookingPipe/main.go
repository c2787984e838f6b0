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

	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/store"
	"github.com/BTreeMap/BookingPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for BookingPipe state data
	DefaultStateDir = "/var/lib/bookingpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "bookingpipe.db"
	// DefaultExportFileName is the admin export written by the cron task
	DefaultExportFileName = "appointments.csv"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping BookingPipe", "chat", flags.chat, "state_dir", flags.stateDir)
	if err := run(ctx, flags); err != nil {
		slog.Error("BookingPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("BookingPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir             string
	DatabaseURL          string
	APIAddr              string
	PublicURL            string
	RedisURL             string
	LLMProvider          string
	OpenAIKey            string
	GroqKey              string
	GeminiKey            string
	GenAIDebug           bool
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFromNumber     string
	TwilioValidate       bool
	EmailProvider        string
	EmailFrom            string
	SendGridKey          string
	AWSRegion            string
	IntakeFormPath       string
	ReminderChannel      string
	WhatsAppDSN          string
	ReminderDelay        time.Duration
	ResponseTimeout      time.Duration
	StageTimeout         time.Duration
	ConfirmationDelivery string
	SeedFile             string
	ExportCron           string
	ExportPath           string
	LogLevel             string
}

// Flags holds the resolved configuration after command line overrides.
type Flags struct {
	Config
	stateDir    string
	dbDSN       string
	chat        bool
	qrOutput    string
	numericCode bool
}

// initializeLogger installs a text slog handler at the given level (debug by default).
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

	gemini := os.Getenv("GEMINI_API_KEY")
	if gemini == "" {
		gemini = os.Getenv("GOOGLE_API_KEY")
	}
	config := Config{
		StateDir:             os.Getenv("BOOKINGPIPE_STATE_DIR"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		APIAddr:              os.Getenv("API_ADDR"),
		PublicURL:            os.Getenv("PUBLIC_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		LLMProvider:          strings.ToLower(os.Getenv("LLM_PROVIDER")),
		OpenAIKey:            os.Getenv("OPENAI_API_KEY"),
		GroqKey:              os.Getenv("GROQ_API_KEY"),
		GeminiKey:            gemini,
		GenAIDebug:           util.ParseBoolEnv("GENAI_DEBUG", false),
		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:     os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioValidate:       util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", true),
		EmailProvider:        strings.ToLower(os.Getenv("EMAIL_PROVIDER")),
		EmailFrom:            os.Getenv("EMAIL_FROM"),
		SendGridKey:          os.Getenv("SENDGRID_API_KEY"),
		AWSRegion:            os.Getenv("AWS_REGION"),
		IntakeFormPath:       os.Getenv("INTAKE_FORM_PATH"),
		ReminderChannel:      strings.ToLower(os.Getenv("REMINDER_CHANNEL")),
		WhatsAppDSN:          os.Getenv("WHATSAPP_DB_DSN"),
		ReminderDelay:        util.ParseDurationEnv("REMINDER_DELAY", flow.DefaultReminderDelay),
		ResponseTimeout:      util.ParseDurationEnv("RESPONSE_TIMEOUT", flow.DefaultResponseTimeout),
		StageTimeout:         util.ParseDurationEnv("STAGE_TIMEOUT", flow.DefaultStageTimeout),
		ConfirmationDelivery: strings.ToLower(os.Getenv("CONFIRMATION_DELIVERY")),
		SeedFile:             os.Getenv("SEED_FILE"),
		ExportCron:           os.Getenv("EXPORT_CRON"),
		ExportPath:           os.Getenv("EXPORT_PATH"),
		LogLevel:             os.Getenv("LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No BOOKINGPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.ReminderChannel == "" {
		config.ReminderChannel = "sms"
	}
	if config.EmailProvider == "" {
		config.EmailProvider = "stub"
	}
	if config.ConfirmationDelivery == "" {
		config.ConfirmationDelivery = string(flow.PolicyBestEffort)
	}

	slog.Debug("environment variables loaded",
		"BOOKINGPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"REDIS_URL_SET", config.RedisURL != "",
		"LLM_PROVIDER", config.LLMProvider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GROQ_API_KEY_SET", config.GroqKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"TWILIO_SET", config.TwilioAccountSID != "",
		"EMAIL_PROVIDER", config.EmailProvider,
		"REMINDER_CHANNEL", config.ReminderChannel,
		"REMINDER_DELAY", config.ReminderDelay,
		"CONFIRMATION_DELIVERY", config.ConfirmationDelivery,
		"EXPORT_CRON", config.ExportCron)

	return config
}

// parseCommandLineFlags parses args with environment defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{Config: config}
	fs.StringVar(&flags.stateDir, "state-dir", config.StateDir, "state directory for BookingPipe data (overrides $BOOKINGPIPE_STATE_DIR)")
	fs.StringVar(&flags.dbDSN, "db-dsn", config.DatabaseURL, "database DSN; empty uses SQLite in the state directory, \"memory\" keeps state in memory (overrides $DATABASE_URL)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.SeedFile, "seed", config.SeedFile, "YAML file with patients and schedule to load at startup (overrides $SEED_FILE)")
	fs.StringVar(&flags.LLMProvider, "llm-provider", config.LLMProvider, "preferred LLM provider: openai, groq or gemini (overrides $LLM_PROVIDER)")
	fs.StringVar(&flags.ReminderChannel, "reminder-channel", config.ReminderChannel, "reminder transport: sms, whatsapp or email (overrides $REMINDER_CHANNEL)")
	fs.StringVar(&flags.EmailProvider, "email-provider", config.EmailProvider, "email transport: sendgrid, ses or stub (overrides $EMAIL_PROVIDER)")
	fs.StringVar(&flags.ExportCron, "export-cron", config.ExportCron, "cron expression for the admin CSV export (overrides $EXPORT_CRON)")
	fs.StringVar(&flags.ExportPath, "export-path", config.ExportPath, "admin CSV export path (overrides $EXPORT_PATH)")
	fs.DurationVar(&flags.ReminderDelay, "reminder-delay", config.ReminderDelay, "delay between reminder stages (overrides $REMINDER_DELAY)")
	fs.BoolVar(&flags.chat, "chat", false, "run an interactive booking session in the terminal instead of the API server")
	fs.StringVar(&flags.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&flags.numericCode, "numeric-code", false, "print the WhatsApp pairing code instead of a QR code")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if flags.dbDSN == "" {
		flags.dbDSN = filepath.Join(flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", flags.dbDSN)
	}
	if flags.ExportPath == "" {
		flags.ExportPath = filepath.Join(flags.stateDir, DefaultExportFileName)
	}
	if flags.chat && flags.APIAddr != "" {
		slog.Debug("chat mode ignores the API address", "api_addr", flags.APIAddr)
	}

	slog.Debug("flags parsed",
		"stateDir", flags.stateDir,
		"dbDSN_set", flags.dbDSN != "",
		"apiAddr", flags.APIAddr,
		"seed", flags.SeedFile,
		"reminderChannel", flags.ReminderChannel,
		"emailProvider", flags.EmailProvider,
		"chat", flags.chat)
	return flags, flags.validate()
}

func (f Flags) validate() error {
	var errs []error
	switch f.ReminderChannel {
	case "sms", "whatsapp", "email":
	default:
		errs = append(errs, fmt.Errorf("unknown reminder channel %q", f.ReminderChannel))
	}
	switch f.EmailProvider {
	case "sendgrid", "ses", "stub":
	default:
		errs = append(errs, fmt.Errorf("unknown email provider %q", f.EmailProvider))
	}
	switch flow.ConfirmationPolicy(f.ConfirmationDelivery) {
	case flow.PolicyBestEffort, flow.PolicyRequired:
	default:
		errs = append(errs, fmt.Errorf("unknown confirmation delivery policy %q", f.ConfirmationDelivery))
	}
	return errors.Join(errs...)
}

// usesMemoryStore reports whether state is kept in process memory only.
func (f Flags) usesMemoryStore() bool {
	return strings.EqualFold(f.dbDSN, "memory")
}

// usesSQLite reports whether the store is a file in the state directory tree.
func (f Flags) usesSQLite() bool {
	return !f.usesMemoryStore() && store.DetectDSNType(f.dbDSN) == "sqlite3"
}
