// Package twiliosms wraps the Twilio REST API for SMS delivery and inbound webhooks.
package twiliosms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"sync"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// SignatureHeader carries Twilio's request signature on webhook calls.
const SignatureHeader = "X-Twilio-Signature"

var nonDigits = regexp.MustCompile(`[^0-9]`)

// Sender sends a plain-text SMS.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio SMS client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option defines a configuration option for the Twilio SMS client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token. It also keys webhook signature checks.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number in E.164 form.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// Client wraps the Twilio REST client.
type Client struct {
	client    *twilio.RestClient
	validator twilioclient.RequestValidator
	from      string
}

// NewClient builds a Twilio SMS client. Missing options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("twiliosms.NewClient: config loaded",
		"accountSID_set", cfg.AccountSID != "",
		"authToken_set", cfg.AuthToken != "",
		"fromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{
		client:    client,
		validator: twilioclient.NewRequestValidator(cfg.AuthToken),
		from:      cfg.FromNumber,
	}, nil
}

// SendMessage sends an SMS to the canonicalized recipient.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := CanonicalizePhone(to)
	if err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(canonical)
	params.SetFrom(c.from)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("twiliosms.Client.SendMessage: send failed", "to", canonical, "error", err)
		return fmt.Errorf("failed to send SMS to %s: %w", canonical, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("twiliosms.Client.SendMessage: sent", "to", canonical, "sid", sid)
	return nil
}

// ValidateRequest checks a webhook's X-Twilio-Signature against the full
// request URL and its already-parsed form values.
func (c *Client) ValidateRequest(url string, r *http.Request) bool {
	return c.validator.Validate(url, formParams(r), r.Header.Get(SignatureHeader))
}

// CanonicalizePhone strips every non-digit and returns the number in "+digits"
// form. Fewer than six digits is rejected.
func CanonicalizePhone(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := nonDigits.ReplaceAllString(raw, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in %q", raw)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	return "+" + digits, nil
}

// InboundMessage is one SMS received through the Twilio webhook.
type InboundMessage struct {
	MessageSID string
	From       string
	Body       string
}

// ErrIncompleteWebhook is returned when a webhook lacks From or Body.
var ErrIncompleteWebhook = errors.New("twilio webhook missing required fields")

// ParseInbound reads an inbound message from a Twilio webhook request.
func ParseInbound(r *http.Request) (InboundMessage, error) {
	if err := r.ParseForm(); err != nil {
		return InboundMessage{}, fmt.Errorf("failed to parse twilio webhook form: %w", err)
	}
	msg := InboundMessage{
		MessageSID: r.PostFormValue("MessageSid"),
		From:       r.PostFormValue("From"),
		Body:       r.PostFormValue("Body"),
	}
	if msg.From == "" || msg.Body == "" {
		return msg, ErrIncompleteWebhook
	}
	if canonical, err := CanonicalizePhone(msg.From); err == nil {
		msg.From = canonical
	}
	return msg, nil
}

func formParams(r *http.Request) map[string]string {
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

// MockClient records sent messages instead of calling Twilio. Err, when set,
// is returned from every send.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the captured messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

var (
	_ Sender = (*Client)(nil)
	_ Sender = (*MockClient)(nil)
)
