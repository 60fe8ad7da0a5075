// Package extractor implements the message extraction pipeline: it walks a
// source's history backwards page by page, filters messages by a time window,
// normalizes them into records, and persists them in idempotent batches.
package extractor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/jonboulle/clockwork"

	"github.com/mivori/tgarchive/internal/config"
	"github.com/mivori/tgarchive/internal/database"
)

// Client is the remote history capability the extractor consumes.
// Pages are returned newest first; a zero offset starts at the most recent
// message. Rate-limit failures surface as FLOOD_WAIT errors recognizable by
// tgerr.AsFloodWait.
type Client interface {
	ResolveSource(ctx context.Context, sourceID string) (tg.InputPeerClass, error)
	FetchPage(ctx context.Context, peer tg.InputPeerClass, offsetID, limit int) ([]tg.MessageClass, error)
}

// Waiter suspends the calling flow of control for a duration. Both suspension
// points of the pipeline (the cooperative inter-request delay and the
// server-mandated rate-limit wait) go through it.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

type clockWaiter struct {
	clock clockwork.Clock
}

func (w clockWaiter) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.clock.After(d):
		return nil
	}
}

const (
	defaultPageSize     = 100
	defaultRequestDelay = 1500 * time.Millisecond
)

// Options tune the extractor. Zero values fall back to defaults: page size
// 100, request delay 1.5s, UTC local rendering, real clock.
type Options struct {
	PageSize     int
	RequestDelay time.Duration
	Location     *time.Location
	Clock        clockwork.Clock
	Waiter       Waiter
}

// Extractor orchestrates pagination, window filtering, rate-limit backoff,
// normalization, and batched persistence for one source at a time.
type Extractor struct {
	client       Client
	store        database.Store
	logger       *slog.Logger
	pageSize     int
	requestDelay time.Duration
	loc          *time.Location
	waiter       Waiter
}

// New creates an Extractor.
func New(client Client, store database.Store, logger *slog.Logger, opts Options) *Extractor {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.RequestDelay <= 0 {
		opts.RequestDelay = defaultRequestDelay
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Waiter == nil {
		opts.Waiter = clockWaiter{clock: opts.Clock}
	}
	return &Extractor{
		client:       client,
		store:        store,
		logger:       logger.With("component", "extractor"),
		pageSize:     opts.PageSize,
		requestDelay: opts.RequestDelay,
		loc:          opts.Location,
		waiter:       opts.Waiter,
	}
}

// Extract retrieves every message of sourceID whose timestamp lies in
// [start, end] (inclusive), persists the normalized records, and returns
// them. Both bounds are compared in UTC. On a fatal per-source failure it
// returns a nil slice together with the error; rate-limit signals are not
// fatal and are retried with the identical cursor after the mandated wait.
func (e *Extractor) Extract(ctx context.Context, sourceID string, start, end time.Time) ([]database.Record, error) {
	log := e.logger.With("source", sourceID)

	startUTC := start.UTC()
	endUTC := end.UTC()
	log.Info("Starting extraction", "start", startUTC.Format(time.RFC3339), "end", endUTC.Format(time.RFC3339))

	peer, err := e.client.ResolveSource(ctx, sourceID)
	if err != nil {
		log.Error("Failed to resolve source", "error", err)
		return nil, err
	}

	var collected []database.Record
	offsetID := 0

	for {
		page, err := e.client.FetchPage(ctx, peer, offsetID, e.pageSize)
		if err != nil {
			if wait, ok := tgerr.AsFloodWait(err); ok {
				log.Warn("Rate limited, waiting", "wait", wait, "offset_id", offsetID)
				if waitErr := e.waiter.Wait(ctx, wait); waitErr != nil {
					return nil, waitErr
				}
				// retry the same cursor; nothing was consumed
				continue
			}
			log.Error("History fetch failed", "offset_id", offsetID, "error", err)
			return nil, err
		}

		if len(page) == 0 {
			log.Info("No more history returned by the source")
			break
		}
		log.Debug("Fetched page", "messages", len(page), "offset_id", offsetID)

		batch := make([]database.Record, 0, len(page))
		for _, raw := range page {
			msg, ok := raw.(*tg.Message)
			if !ok {
				continue
			}
			ts := time.Unix(int64(msg.Date), 0).UTC()
			if ts.Before(startUTC) || ts.After(endUTC) {
				continue
			}
			batch = append(batch, Normalize(msg, sourceID, e.loc))
		}

		if len(batch) > 0 {
			if err := e.store.InsertBatch(ctx, batch); err != nil {
				log.Error("Failed to persist batch", "count", len(batch), "error", err)
				return nil, err
			}
			collected = append(collected, batch...)
			log.Info("Inserted batch", "count", len(batch), "total", len(collected))
		}

		// Pages are newest first: once the oldest message of this page is
		// older than the window start, all remaining history is older still.
		if oldest, ok := pageOldest(page); ok && oldest.Before(startUTC) {
			log.Info("Reached messages older than the window start, stopping")
			break
		}

		offsetID = page[len(page)-1].GetID()
		if err := e.waiter.Wait(ctx, e.requestDelay); err != nil {
			return nil, err
		}
	}

	log.Info("Extraction finished", "total", len(collected))
	return collected, nil
}

// ExtractAll runs Extract for every configured source in order and returns
// per-source inserted-record counts. A fatal failure on one source yields a
// zero count for it and does not stop the run; context cancellation does.
func (e *Extractor) ExtractAll(ctx context.Context, sources []config.SourceConfig, start, end time.Time) map[string]int {
	counts := make(map[string]int, len(sources))
	for _, src := range sources {
		records, err := e.Extract(ctx, src.ID, start, end)
		if err != nil {
			counts[src.ID] = 0
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.logger.Warn("Extraction run cancelled", "source", src.ID)
				break
			}
			e.logger.Error("Source failed, continuing with next", "source", src.ID, "name", src.Name, "error", err)
			continue
		}
		counts[src.ID] = len(records)
	}
	return counts
}

// pageOldest returns the timestamp of the oldest dated message in a
// newest-first page.
func pageOldest(page []tg.MessageClass) (time.Time, bool) {
	for i := len(page) - 1; i >= 0; i-- {
		switch msg := page[i].(type) {
		case *tg.Message:
			return time.Unix(int64(msg.Date), 0).UTC(), true
		case *tg.MessageService:
			return time.Unix(int64(msg.Date), 0).UTC(), true
		}
	}
	return time.Time{}, false
}
