package messaging

import (
	"context"
	"fmt"
	"strings"
)

// TextClient is satisfied by twiliosms and whatsapp clients and their mocks.
type TextClient interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// TextSender adapts a plain-text client to a ChannelSender. Subjects and
// attachments are dropped.
type TextSender struct {
	name   string
	client TextClient
}

// NewTextSender wraps client; name shows up in error messages.
func NewTextSender(name string, client TextClient) *TextSender {
	return &TextSender{name: name, client: client}
}

// Deliver sends the body as a single text message.
func (s *TextSender) Deliver(ctx context.Context, recipient string, c Content) error {
	body := strings.TrimSpace(c.Body)
	if body == "" {
		return fmt.Errorf("%s: empty message body", s.name)
	}
	if err := s.client.SendMessage(ctx, recipient, body); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return nil
}

var _ ChannelSender = (*TextSender)(nil)
