// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import "context"

// DedupRepo suppresses duplicate deliveries of inbound provider webhooks.
type DedupRepo interface {
	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, sessionID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error

	// ReleaseInbound forgets a message that was recorded but not processed,
	// so a redelivery is handled again. Processed messages are kept.
	ReleaseInbound(ctx context.Context, messageID string) error
}
