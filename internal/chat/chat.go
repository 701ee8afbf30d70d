// Package chat delivers search outcomes to an external chat channel. The
// core only knows the Sender interface; Telegram is one implementation.
package chat

import "context"

// MaxBatchSize is the largest media batch a single Send call accepts.
const MaxBatchSize = 10

// MediaItem is one photo in a media batch, addressed by URL.
type MediaItem struct {
	URL     string
	Caption string
}

// Sender pushes messages into a chat channel identified by an opaque target
// reference (a Telegram chat id, for instance).
type Sender interface {
	// SendText delivers a plain text message.
	SendText(ctx context.Context, target, text string) error
	// SendMediaBatch delivers up to MaxBatchSize photos as one group.
	SendMediaBatch(ctx context.Context, target string, items []MediaItem) error
}
