// Package notify fans a finished search out to its chat channel: a summary
// message followed by the matching photos in paced media batches.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/pvavrin/facelens/internal/backend"
	"github.com/pvavrin/facelens/internal/blob"
	"github.com/pvavrin/facelens/internal/chat"
)

const (
	defaultBatchInterval = time.Second
	presignTTL           = 24 * time.Hour
)

// Notifier implements search.Notifier over a chat.Sender. Batches are paced
// with a rate limiter so a large result set does not trip the chat API's
// flood control.
type Notifier struct {
	sender    chat.Sender
	blobs     blob.Store
	limiter   *rate.Limiter
	batchSize int
	log       *slog.Logger
}

func New(sender chat.Sender, blobs blob.Store, batchInterval time.Duration, log *slog.Logger) *Notifier {
	if batchInterval <= 0 {
		batchInterval = defaultBatchInterval
	}
	return &Notifier{
		sender:    sender,
		blobs:     blobs,
		limiter:   rate.NewLimiter(rate.Every(batchInterval), 1),
		batchSize: chat.MaxBatchSize,
		log:       log,
	}
}

// SearchFinished delivers the outcome of a terminal search request. Requests
// without a chat channel are served by push observers alone and skipped here.
// Delivery failures are logged, never propagated: the search result is
// already durable and observers can still read it.
func (n *Notifier) SearchFinished(ctx context.Context, req *backend.SearchRequest) {
	if req == nil || req.ExternalChannelRef == "" {
		return
	}
	log := n.log.With("request_id", req.ID, "chat", req.ExternalChannelRef)

	if req.Status == backend.SearchError {
		if err := n.sender.SendText(ctx, req.ExternalChannelRef, "Search failed: "+req.Error); err != nil {
			log.Error("failed to deliver error notice", "error", err)
		}
		return
	}

	if len(req.ImagesFound) == 0 {
		if err := n.sender.SendText(ctx, req.ExternalChannelRef, "No matching photos found."); err != nil {
			log.Error("failed to deliver summary", "error", err)
		}
		return
	}

	summary := fmt.Sprintf("Found %d matching photos, sending them now.", len(req.ImagesFound))
	if err := n.sender.SendText(ctx, req.ExternalChannelRef, summary); err != nil {
		log.Error("failed to deliver summary", "error", err)
		return
	}

	delivered, err := n.deliverBatches(ctx, req.ExternalChannelRef, req.ImagesFound)
	if err != nil {
		log.Error("delivery aborted", "delivered", delivered, "total", len(req.ImagesFound), "error", err)
		notice := fmt.Sprintf("Delivery stopped after %d of %d photos. The remaining results are still available in the app.",
			delivered, len(req.ImagesFound))
		if err := n.sender.SendText(ctx, req.ExternalChannelRef, notice); err != nil {
			log.Error("failed to deliver partial-delivery notice", "error", err)
		}
		return
	}
	log.Info("search results delivered", "images", len(req.ImagesFound))
}

// deliverBatches sends images in order, batchSize at a time, waiting on the
// rate limiter before each batch. It stops at the first failed batch and
// returns how many images went out.
func (n *Notifier) deliverBatches(ctx context.Context, target string, images []string) (int, error) {
	delivered := 0
	for start := 0; start < len(images); start += n.batchSize {
		end := start + n.batchSize
		if end > len(images) {
			end = len(images)
		}

		items := make([]chat.MediaItem, 0, end-start)
		for _, key := range images[start:end] {
			url, err := n.blobs.Presign(ctx, key, presignTTL)
			if err != nil {
				return delivered, fmt.Errorf("failed to presign %s: %w", key, err)
			}
			items = append(items, chat.MediaItem{URL: url})
		}

		if err := n.limiter.Wait(ctx); err != nil {
			return delivered, err
		}
		if err := n.sender.SendMediaBatch(ctx, target, items); err != nil {
			return delivered, fmt.Errorf("batch starting at %d failed: %w", start, err)
		}
		delivered = end
	}
	return delivered, nil
}
