package messaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// DefaultFromName is the display name on outgoing email.
const DefaultFromName = "Clinic Scheduling"

// EmailConfig identifies the sender of outgoing email.
type EmailConfig struct {
	FromEmail string
	FromName  string
}

func (c EmailConfig) withDefaults() EmailConfig {
	if c.FromName == "" {
		c.FromName = DefaultFromName
	}
	return c
}

// SendGridSender delivers email through the SendGrid v3 API.
type SendGridSender struct {
	client *sendgrid.Client
	cfg    EmailConfig
}

// NewSendGridSender returns nil when apiKey is empty.
func NewSendGridSender(apiKey string, cfg EmailConfig) *SendGridSender {
	if apiKey == "" {
		return nil
	}
	return &SendGridSender{client: sendgrid.NewSendClient(apiKey), cfg: cfg.withDefaults()}
}

func (s *SendGridSender) message(recipient string, c Content) *mail.SGMailV3 {
	from := mail.NewEmail(s.cfg.FromName, s.cfg.FromEmail)
	to := mail.NewEmail("", recipient)
	m := mail.NewSingleEmail(from, c.Subject, to, c.Body, "")
	if c.Attachment != nil {
		a := mail.NewAttachment().
			SetContent(base64.StdEncoding.EncodeToString(c.Attachment.Data)).
			SetType(c.Attachment.ContentType).
			SetFilename(c.Attachment.Filename).
			SetDisposition("attachment")
		m.AddAttachment(a)
	}
	return m
}

// Deliver sends c to recipient.
func (s *SendGridSender) Deliver(ctx context.Context, recipient string, c Content) error {
	resp, err := s.client.SendWithContext(ctx, s.message(recipient, c))
	if err != nil {
		return fmt.Errorf("sendgrid send failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}
	slog.Debug("SendGridSender.Deliver: sent", "to", recipient, "status", resp.StatusCode)
	return nil
}

// sesAPI is the part of *sesv2.Client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender delivers email through Amazon SES as a raw MIME message so the
// intake form can ride along as an attachment.
type SESSender struct {
	client sesAPI
	cfg    EmailConfig
}

// NewSESSender wraps an SES client.
func NewSESSender(client sesAPI, cfg EmailConfig) *SESSender {
	return &SESSender{client: client, cfg: cfg.withDefaults()}
}

// NewSESSenderFromEnv loads AWS configuration the SDK way (env, shared config,
// instance role) and builds an SESSender.
func NewSESSenderFromEnv(ctx context.Context, region string, cfg EmailConfig) (*SESSender, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESSender(sesv2.NewFromConfig(awsCfg), cfg), nil
}

// Deliver sends c to recipient.
func (s *SESSender) Deliver(ctx context.Context, recipient string, c Content) error {
	raw, err := buildMIME(s.cfg, recipient, c)
	if err != nil {
		return err
	}
	out, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.cfg.FromEmail),
		Destination:      &sestypes.Destination{ToAddresses: []string{recipient}},
		Content:          &sestypes.EmailContent{Raw: &sestypes.RawMessage{Data: raw}},
	})
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}
	slog.Debug("SESSender.Deliver: sent", "to", recipient, "messageID", aws.ToString(out.MessageId))
	return nil
}

// buildMIME renders a multipart/mixed message: a text/plain part and an
// optional base64 attachment.
func buildMIME(cfg EmailConfig, recipient string, c Content) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s <%s>\r\n", mime.QEncoding.Encode("utf-8", cfg.FromName), cfg.FromEmail)
	fmt.Fprintf(&buf, "To: %s\r\n", recipient)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", c.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", w.Boundary())

	text, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"8bit"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := text.Write([]byte(c.Body)); err != nil {
		return nil, err
	}

	if c.Attachment != nil {
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {c.Attachment.ContentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": c.Attachment.Filename})},
		})
		if err != nil {
			return nil, err
		}
		encoded := base64.StdEncoding.EncodeToString(c.Attachment.Data)
		for len(encoded) > 76 {
			part.Write([]byte(encoded[:76] + "\r\n"))
			encoded = encoded[76:]
		}
		part.Write([]byte(encoded + "\r\n"))
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StubEmailSender logs instead of sending. It is the default when no email
// provider is configured.
type StubEmailSender struct{}

func (StubEmailSender) Deliver(ctx context.Context, recipient string, c Content) error {
	if !strings.Contains(recipient, "@") {
		return fmt.Errorf("invalid email recipient %q", recipient)
	}
	attachment := ""
	if c.Attachment != nil {
		attachment = c.Attachment.Filename
	}
	slog.Info("StubEmailSender.Deliver: would send email", "to", recipient, "subject", c.Subject, "attachment", attachment)
	return nil
}

var (
	_ ChannelSender = (*SendGridSender)(nil)
	_ ChannelSender = (*SESSender)(nil)
	_ ChannelSender = StubEmailSender{}
)
