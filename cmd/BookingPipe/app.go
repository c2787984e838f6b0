package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/BookingPipe/internal/api"
	"github.com/BTreeMap/BookingPipe/internal/booking"
	"github.com/BTreeMap/BookingPipe/internal/export"
	"github.com/BTreeMap/BookingPipe/internal/extract"
	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/genai"
	"github.com/BTreeMap/BookingPipe/internal/lockfile"
	"github.com/BTreeMap/BookingPipe/internal/messaging"
	"github.com/BTreeMap/BookingPipe/internal/metrics"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/patient"
	"github.com/BTreeMap/BookingPipe/internal/recovery"
	"github.com/BTreeMap/BookingPipe/internal/reminder"
	"github.com/BTreeMap/BookingPipe/internal/scheduler"
	"github.com/BTreeMap/BookingPipe/internal/slots"
	"github.com/BTreeMap/BookingPipe/internal/store"
	"github.com/BTreeMap/BookingPipe/internal/twiliosms"
	"github.com/BTreeMap/BookingPipe/internal/whatsapp"
)

const (
	jobPollInterval = time.Second
	redisLockTTL    = 30 * time.Second
	staleJobSweep   = "@every 5m"
)

// app is the wired process.
type app struct {
	store    store.Store
	orch     *flow.Orchestrator
	runner   *store.JobRunner
	exporter *export.Exporter
	server   *api.Server
	recovery *recovery.RecoveryManager
	closers  []func()
}

// Close releases everything buildApp opened, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// run wires the process and serves until ctx is cancelled, or runs one
// terminal session in chat mode.
func run(ctx context.Context, flags Flags) error {
	if flags.usesSQLite() {
		lock, err := lockfile.Acquire(flags.stateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	out := &syncWriter{w: os.Stdout}
	a, err := buildApp(ctx, flags, out)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.recovery.RecoverAll(ctx); err != nil {
		slog.Warn("run: recovery incomplete", "error", err)
	}

	runnerCtx, stopRunner := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.runner.Run(runnerCtx)
	}()
	defer func() {
		stopRunner()
		wg.Wait()
	}()

	if flags.chat {
		return runChat(ctx, a.orch, os.Stdin, out)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := scheduleTasks(sched, flags, a); err != nil {
		return err
	}
	return a.server.Run(ctx)
}

// scheduleTasks registers the periodic maintenance tasks.
func scheduleTasks(sched *scheduler.Scheduler, flags Flags, a *app) error {
	if err := sched.AddTask("stale-job-sweep", staleJobSweep, a.runner.RecoverStaleJobs); err != nil {
		return err
	}
	if flags.ExportCron == "" {
		return nil
	}
	path := flags.ExportPath
	return sched.AddTask("admin-export", flags.ExportCron, func(ctx context.Context) error {
		_, err := a.exporter.WriteFile(ctx, path)
		return err
	})
}

// buildApp constructs every component. Console output for chat mode and
// unconfigured text channels goes to out.
func buildApp(ctx context.Context, flags Flags, out io.Writer) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	st, err := openStore(flags)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, func() {
		if err := st.Close(); err != nil {
			slog.Error("app.Close: store close failed", "error", err)
		}
	})

	if flags.SeedFile != "" {
		seed, err := store.LoadSeed(flags.SeedFile)
		if err != nil {
			return nil, err
		}
		if err := seed.Apply(ctx, st); err != nil {
			return nil, fmt.Errorf("apply seed %s: %w", flags.SeedFile, err)
		}
		slog.Info("buildApp: seed applied", "file", flags.SeedFile, "patients", len(seed.Patients))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	locker, err := buildLocker(ctx, flags, a)
	if err != nil {
		return nil, err
	}

	extractor, err := buildExtractor(ctx, flags, a)
	if err != nil {
		return nil, err
	}

	senders, err := buildSenders(ctx, flags, out, a)
	if err != nil {
		return nil, err
	}
	dispatcher := messaging.NewDispatcher(st, buildDispatcherOptions(flags, senders, m)...)

	recorder := booking.NewRecorder(st, locker)
	finder := slots.NewScheduler(st)
	orch, err := flow.NewOrchestrator(flow.Deps{
		Sessions:  st,
		Extractor: extractor,
		Resolver:  patient.NewResolver(st),
		Slots:     finder,
		Booker:    recorder,
		Notifier:  dispatcher,
		Reminders: reminder.NewScheduler(st, dispatcher, recorder, buildReminderOptions(flags)...),
	}, buildFlowOptions(flags, locker, m)...)
	if err != nil {
		return nil, err
	}
	a.orch = orch

	a.runner = store.NewJobRunner(st, jobPollInterval)
	flow.RegisterJobHandlers(a.runner, orch)

	a.recovery = recovery.NewRecoveryManager()
	a.recovery.RegisterRecoverable("jobs", recovery.Jobs(a.runner))
	a.recovery.RegisterRecoverable("sessions", orch)

	a.exporter = export.NewExporter(st)
	apiOpts := buildAPIOptions(flags, finder, a.exporter, senders.validator)
	apiOpts = append(apiOpts, api.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), m))
	a.server = api.NewServer(orch, st, apiOpts...)
	return a, nil
}

// openStore opens the configured backend, creating the SQLite directory first.
func openStore(flags Flags) (store.Store, error) {
	if flags.usesMemoryStore() {
		slog.Warn("openStore: using in-memory store; state is lost on exit")
		return store.NewInMemoryStore(), nil
	}
	if flags.usesSQLite() {
		dir := filepath.Dir(flags.dbDSN)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}
	st, err := store.Open(flags.dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// buildLocker returns a Redis locker when REDIS_URL is set, for deployments
// running more than one instance against a shared database.
func buildLocker(ctx context.Context, flags Flags, a *app) (store.Locker, error) {
	if flags.RedisURL == "" {
		return store.NewLocalLocker(), nil
	}
	opt, err := redis.ParseURL(flags.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opt)
	a.closers = append(a.closers, func() { client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("buildLocker: using redis locks", "addr", opt.Addr)
	return store.NewRedisLocker(client, redisLockTTL), nil
}

// buildExtractor chains the configured LLM providers in front of the
// delimited parser, or uses the parser alone when no key is set.
func buildExtractor(ctx context.Context, flags Flags, a *app) (extract.Extractor, error) {
	var providers []genai.Completer
	common := []genai.Option{genai.WithDebugMode(flags.GenAIDebug), genai.WithStateDir(flags.stateDir)}
	if flags.OpenAIKey != "" {
		c, err := genai.NewClient(append(common, genai.WithAPIKey(flags.OpenAIKey))...)
		if err != nil {
			return nil, err
		}
		providers = append(providers, c)
	}
	if flags.GroqKey != "" {
		c, err := genai.NewClient(append(common,
			genai.WithAPIKey(flags.GroqKey),
			genai.WithBaseURL(genai.GroqBaseURL),
			genai.WithModel(genai.GroqDefaultModel),
			genai.WithName("groq"))...)
		if err != nil {
			return nil, err
		}
		providers = append(providers, c)
	}
	if flags.GeminiKey != "" {
		g, err := genai.NewGeminiClient(ctx, flags.GeminiKey, genai.GeminiDefaultModel)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { g.Close() })
		providers = append(providers, g)
	}

	delimited := extract.NewDelimitedExtractor()
	chain := genai.NewChain(flags.LLMProvider, providers...)
	if chain.Len() == 0 {
		slog.Info("buildExtractor: no LLM provider configured, using delimited input only")
		return delimited, nil
	}
	slog.Info("buildExtractor: LLM extraction enabled", "providers", chain.Name())
	return extract.NewFallback(extract.NewLLMExtractor(chain), delimited), nil
}

// senderSet holds the channel senders and the webhook validator, if any.
type senderSet struct {
	email            messaging.ChannelSender
	sms              messaging.ChannelSender
	reminder         messaging.ChannelSender
	validator        api.RequestValidator
	twilioConfigured bool
}

func buildSenders(ctx context.Context, flags Flags, out io.Writer, a *app) (senderSet, error) {
	var s senderSet

	switch flags.EmailProvider {
	case "sendgrid":
		sg := messaging.NewSendGridSender(flags.SendGridKey, messaging.EmailConfig{FromEmail: flags.EmailFrom})
		if sg == nil {
			return s, errors.New("EMAIL_PROVIDER=sendgrid requires SENDGRID_API_KEY")
		}
		s.email = sg
	case "ses":
		ses, err := messaging.NewSESSenderFromEnv(ctx, flags.AWSRegion, messaging.EmailConfig{FromEmail: flags.EmailFrom})
		if err != nil {
			return s, err
		}
		s.email = ses
	default:
		s.email = messaging.StubEmailSender{}
	}

	if flags.TwilioAccountSID != "" && !flags.chat {
		client, err := twiliosms.NewClient(
			twiliosms.WithAccountSID(flags.TwilioAccountSID),
			twiliosms.WithAuthToken(flags.TwilioAuthToken),
			twiliosms.WithFromNumber(flags.TwilioFromNumber))
		if err != nil {
			return s, fmt.Errorf("twilio: %w", err)
		}
		s.sms = messaging.NewTextSender("sms", client)
		s.twilioConfigured = true
		if flags.TwilioValidate {
			s.validator = client
		}
	} else {
		slog.Warn("buildSenders: Twilio not configured, SMS is written to the console")
		s.sms = messaging.NewTextSender("sms", &consoleTextClient{w: out, label: "sms"})
	}

	switch flags.ReminderChannel {
	case "whatsapp":
		dsn := flags.WhatsAppDSN
		if dsn == "" {
			dsn = "file:" + filepath.Join(flags.stateDir, "whatsmeow.db") + "?_foreign_keys=on"
		}
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(dsn)}
		if flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(flags.qrOutput))
		}
		if flags.numericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		wa, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return s, fmt.Errorf("whatsapp: %w", err)
		}
		a.closers = append(a.closers, wa.Close)
		s.reminder = messaging.NewTextSender("whatsapp", wa)
	case "email":
		s.reminder = s.email
	default:
		s.reminder = s.sms
	}
	return s, nil
}

func buildDispatcherOptions(flags Flags, s senderSet, m *metrics.Metrics) []messaging.Option {
	opts := []messaging.Option{
		messaging.WithSender(models.ChannelEmail, s.email),
		messaging.WithSender(models.ChannelSMS, s.sms),
		messaging.WithSender(models.ChannelReminder, s.reminder),
		messaging.WithObserver(m),
	}
	if s.twilioConfigured {
		// Twilio long codes accept about one message per second.
		opts = append(opts, messaging.WithRateLimit(models.ChannelSMS, 1))
	}
	if flags.IntakeFormPath != "" {
		opts = append(opts, messaging.WithIntakeForm(flags.IntakeFormPath))
	}
	return opts
}

func buildReminderOptions(flags Flags) []reminder.Option {
	if flags.ReminderChannel == "email" {
		return []reminder.Option{reminder.WithEmailRecipient()}
	}
	return nil
}

func buildFlowOptions(flags Flags, locker store.Locker, m *metrics.Metrics) []flow.Option {
	return []flow.Option{
		flow.WithReminderDelay(flags.ReminderDelay),
		flow.WithResponseTimeout(flags.ResponseTimeout),
		flow.WithStageTimeout(flags.StageTimeout),
		flow.WithConfirmationPolicy(flow.ConfirmationPolicy(flags.ConfirmationDelivery)),
		flow.WithLocker(locker),
		flow.WithObserver(m),
	}
}

func buildAPIOptions(flags Flags, finder api.SlotFinder, exporter api.Exporter, validator api.RequestValidator) []api.Option {
	opts := []api.Option{
		api.WithSlotFinder(finder),
		api.WithExporter(exporter),
	}
	if flags.APIAddr != "" {
		opts = append(opts, api.WithAddr(flags.APIAddr))
	}
	if validator != nil {
		if flags.PublicURL == "" {
			slog.Warn("buildAPIOptions: PUBLIC_URL not set, Twilio signatures are checked against the request host")
		}
		opts = append(opts, api.WithTwilioValidator(validator, flags.PublicURL))
	}
	return opts
}

// consoleTextClient prints text messages instead of sending them.
type consoleTextClient struct {
	w     io.Writer
	label string
}

func (c *consoleTextClient) SendMessage(ctx context.Context, to string, body string) error {
	_, err := fmt.Fprintf(c.w, "\n[%s to %s] %s\n", c.label, to, body)
	return err
}

// syncWriter serialises writes from the chat loop and the job runner.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
