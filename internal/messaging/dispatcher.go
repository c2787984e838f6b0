// Package messaging renders notification templates, delivers them through
// pluggable channel senders and records every attempt in the communication log.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
	"github.com/BTreeMap/BookingPipe/internal/util"
)

// maxSummaryLen bounds the payload summary stored in the communication log.
const maxSummaryLen = 160

// Attachment is a file carried by an email.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Content is a rendered message ready for a channel sender.
type Content struct {
	Subject    string
	Body       string
	Attachment *Attachment
}

// ChannelSender delivers rendered content to one recipient.
type ChannelSender interface {
	Deliver(ctx context.Context, recipient string, c Content) error
}

// SendObserver is notified of every send attempt. metrics.Metrics implements it.
type SendObserver interface {
	ObserveSend(channel string, success bool)
}

// SendRequest names what to send and to whom.
type SendRequest struct {
	SessionID string
	Channel   models.Channel
	Recipient string
	Template  string
	Payload   map[string]string
}

// SendResult reports one attempt. EntryID is the communication log entry written for it.
type SendResult struct {
	Success bool
	Reason  string
	EntryID string
}

// Err returns nil on success and a models.ErrTransportFailure otherwise.
func (r SendResult) Err() error {
	if r.Success {
		return nil
	}
	return fmt.Errorf("%w: %s", models.ErrTransportFailure, r.Reason)
}

// Opts configures a Dispatcher.
type Opts struct {
	Senders        map[models.Channel]ChannelSender
	Limits         map[models.Channel]rate.Limit
	Burst          int
	Templates      *Templates
	IntakeFormPath string
	Observer       SendObserver
}

// Option defines a configuration option for the Dispatcher.
type Option func(*Opts)

// WithSender registers the sender for a channel.
func WithSender(ch models.Channel, s ChannelSender) Option {
	return func(o *Opts) {
		if o.Senders == nil {
			o.Senders = make(map[models.Channel]ChannelSender)
		}
		o.Senders[ch] = s
	}
}

// WithRateLimit paces sends on a channel to perSecond messages.
func WithRateLimit(ch models.Channel, perSecond float64) Option {
	return func(o *Opts) {
		if o.Limits == nil {
			o.Limits = make(map[models.Channel]rate.Limit)
		}
		o.Limits[ch] = rate.Limit(perSecond)
	}
}

// WithTemplates replaces the default template set.
func WithTemplates(t *Templates) Option {
	return func(o *Opts) { o.Templates = t }
}

// WithIntakeForm sets the document attached to intake-form emails.
func WithIntakeForm(path string) Option {
	return func(o *Opts) { o.IntakeFormPath = path }
}

// WithObserver registers a send observer.
func WithObserver(obs SendObserver) Option {
	return func(o *Opts) { o.Observer = obs }
}

// Dispatcher performs sends and audits them. It never retries; callers own the
// retry policy so each physical attempt gets its own log entry.
type Dispatcher struct {
	log        store.CommunicationLog
	senders    map[models.Channel]ChannelSender
	limiters   map[models.Channel]*rate.Limiter
	templates  *Templates
	intakeForm string
	observer   SendObserver
	now        func() time.Time
}

// NewDispatcher creates a Dispatcher writing to log.
func NewDispatcher(log store.CommunicationLog, opts ...Option) *Dispatcher {
	cfg := Opts{Burst: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Templates == nil {
		cfg.Templates = DefaultTemplates()
	}
	d := &Dispatcher{
		log:        log,
		senders:    make(map[models.Channel]ChannelSender, len(cfg.Senders)),
		limiters:   make(map[models.Channel]*rate.Limiter, len(cfg.Limits)),
		templates:  cfg.Templates,
		intakeForm: cfg.IntakeFormPath,
		observer:   cfg.Observer,
		now:        time.Now,
	}
	for ch, s := range cfg.Senders {
		d.senders[ch] = s
	}
	for ch, l := range cfg.Limits {
		d.limiters[ch] = rate.NewLimiter(l, cfg.Burst)
	}
	return d
}

// HasSender reports whether a sender is registered for ch.
func (d *Dispatcher) HasSender(ch models.Channel) bool {
	return d.senders[ch] != nil
}

// Send renders and delivers one message and appends exactly one log entry for
// the attempt. A delivery failure is reported in the result; the error return
// is reserved for failures to write the audit entry.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	content, reason := d.prepare(ctx, req)
	if reason == "" {
		if err := d.senders[req.Channel].Deliver(ctx, req.Recipient, content); err != nil {
			reason = err.Error()
		}
	}

	entry := models.CommunicationLogEntry{
		ID:             util.GenerateLogEntryID(),
		SessionID:      req.SessionID,
		Channel:        req.Channel,
		Recipient:      req.Recipient,
		Template:       req.Template,
		PayloadSummary: summarize(content, req.Payload),
		Success:        reason == "",
		Error:          reason,
		Timestamp:      d.now().UTC(),
	}
	result := SendResult{Success: entry.Success, Reason: reason, EntryID: entry.ID}
	if d.observer != nil {
		d.observer.ObserveSend(string(req.Channel), entry.Success)
	}

	if err := d.log.AppendCommunicationLog(ctx, entry); err != nil {
		slog.Error("Dispatcher.Send: audit append failed", "sessionID", req.SessionID, "channel", req.Channel, "error", err)
		return result, fmt.Errorf("append communication log: %w", err)
	}
	if entry.Success {
		slog.Debug("Dispatcher.Send: delivered", "sessionID", req.SessionID, "channel", req.Channel, "template", req.Template)
	} else {
		slog.Warn("Dispatcher.Send: delivery failed", "sessionID", req.SessionID, "channel", req.Channel, "template", req.Template, "reason", reason)
	}
	return result, nil
}

// prepare renders the template, loads any attachment and waits for the
// channel's rate limiter. A non-empty reason means the attempt already failed.
func (d *Dispatcher) prepare(ctx context.Context, req SendRequest) (Content, string) {
	if strings.TrimSpace(req.Recipient) == "" {
		return Content{}, "no recipient"
	}
	if d.senders[req.Channel] == nil {
		return Content{}, fmt.Sprintf("no sender configured for channel %q", req.Channel)
	}
	content, attach, err := d.templates.Render(req.Template, req.Payload)
	if err != nil {
		return Content{}, err.Error()
	}
	if attach && req.Channel == models.ChannelEmail && d.intakeForm != "" {
		a, err := loadAttachment(d.intakeForm)
		if err != nil {
			return content, err.Error()
		}
		content.Attachment = a
	}
	if l := d.limiters[req.Channel]; l != nil {
		if err := l.Wait(ctx); err != nil {
			return content, fmt.Sprintf("rate limiter: %v", err)
		}
	}
	return content, ""
}

func loadAttachment(path string) (*Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("intake form unavailable: %w", err)
	}
	ct := "application/octet-stream"
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		ct = "application/pdf"
	}
	return &Attachment{Filename: filepath.Base(path), ContentType: ct, Data: data}, nil
}

// summarize keeps the log readable: the rendered body when there is one,
// otherwise the sorted payload keys.
func summarize(c Content, payload map[string]string) string {
	s := c.Body
	if s == "" {
		keys := make([]string, 0, len(payload))
		for k := range payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		s = "payload: " + strings.Join(keys, ",")
	}
	if c.Attachment != nil {
		s = "[" + c.Attachment.Filename + "] " + s
	}
	if utf8.RuneCountInString(s) > maxSummaryLen {
		s = string([]rune(s)[:maxSummaryLen-3]) + "..."
	}
	return s
}
