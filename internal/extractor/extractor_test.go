package extractor_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/mivori/tgarchive/internal/config"
	"github.com/mivori/tgarchive/internal/database"
	"github.com/mivori/tgarchive/internal/extractor"
)

type fakeResponse struct {
	msgs []tg.MessageClass
	err  error
}

// fakeClient replays a fixed script of page responses and records every
// requested cursor.
type fakeClient struct {
	responses  []fakeResponse
	offsets    []int
	resolveErr error
}

func (f *fakeClient) ResolveSource(_ context.Context, _ string) (tg.InputPeerClass, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return &tg.InputPeerChannel{ChannelID: 1}, nil
}

func (f *fakeClient) FetchPage(_ context.Context, _ tg.InputPeerClass, offsetID, _ int) ([]tg.MessageClass, error) {
	f.offsets = append(f.offsets, offsetID)
	if len(f.responses) == 0 {
		return nil, nil
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return next.msgs, next.err
}

// memStore keeps records keyed by composite identity, mirroring the table's
// primary key semantics.
type memStore struct {
	records map[string]database.Record
	batches int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]database.Record)}
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) InsertBatch(_ context.Context, records []database.Record) error {
	for _, r := range records {
		key := fmt.Sprintf("%s/%d", r.SourceID, r.MessageID)
		if _, exists := s.records[key]; exists {
			continue
		}
		s.records[key] = r
	}
	s.batches++
	return nil
}

func (s *memStore) GetMessage(_ context.Context, sourceID string, messageID int) (*database.Record, error) {
	r, ok := s.records[fmt.Sprintf("%s/%d", sourceID, messageID)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *memStore) CountBySource(_ context.Context, sourceID string) (int, error) {
	count := 0
	for _, r := range s.records {
		if r.SourceID == sourceID {
			count++
		}
	}
	return count, nil
}

func (s *memStore) ListByLocalDateRange(context.Context, string, string) ([]database.Record, error) {
	return nil, nil
}

func (s *memStore) AddColumnIfAbsent(context.Context, string, string, string) error { return nil }

func (s *memStore) CreateIndexIfAbsent(context.Context, string, string, string) error { return nil }

// recordingWaiter completes every suspension immediately and records the
// requested durations.
type recordingWaiter struct {
	waits []time.Duration
}

func (w *recordingWaiter) Wait(_ context.Context, d time.Duration) error {
	w.waits = append(w.waits, d)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func page(msgs ...*tg.Message) []tg.MessageClass {
	out := make([]tg.MessageClass, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m)
	}
	return out
}

func newExtractor(client *fakeClient, store database.Store, waiter extractor.Waiter) *extractor.Extractor {
	return extractor.New(client, store, testLogger(), extractor.Options{
		PageSize:     10,
		RequestDelay: 1500 * time.Millisecond,
		Location:     time.UTC,
		Waiter:       waiter,
	})
}

func TestExtractStopsWhenPageOlderThanStart(t *testing.T) {
	t.Parallel()

	start := time.Date(2023, 10, 6, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 10, 8, 0, 0, 0, 0, time.UTC)

	// page one entirely inside the window, page two straddling the start
	client := &fakeClient{responses: []fakeResponse{
		{msgs: page(
			newMessage(110, start.Add(30*time.Hour), "a"),
			newMessage(109, start.Add(29*time.Hour), "b"),
		)},
		{msgs: page(
			newMessage(108, start.Add(1*time.Hour), "c"),
			newMessage(107, start.Add(-1*time.Hour), "d"),
		)},
		{msgs: page(newMessage(1, start.Add(-100*time.Hour), "never fetched"))},
	}}
	store := newMemStore()

	records, err := newExtractor(client, store, &recordingWaiter{}).Extract(context.Background(), "chan_a", start, end)
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	if len(records) != 3 {
		t.Errorf("len(records) = %d, want 3", len(records))
	}
	if len(client.offsets) != 2 {
		t.Fatalf("fetches = %d, want 2 (no request past the terminating page)", len(client.offsets))
	}
	if client.offsets[0] != 0 || client.offsets[1] != 109 {
		t.Errorf("cursor sequence = %v, want [0 109]", client.offsets)
	}
	if count, _ := store.CountBySource(context.Background(), "chan_a"); count != 3 {
		t.Errorf("stored rows = %d, want 3", count)
	}
}

func TestExtractStopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	start := time.Date(2023, 10, 6, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 10, 8, 0, 0, 0, 0, time.UTC)

	client := &fakeClient{responses: []fakeResponse{
		{msgs: page(newMessage(10, start.Add(time.Hour), "a"))},
		{msgs: nil},
	}}

	records, err := newExtractor(client, newMemStore(), &recordingWaiter{}).Extract(context.Background(), "chan_a", start, end)
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("len(records) = %d, want 1", len(records))
	}
	if len(client.offsets) != 2 {
		t.Errorf("fetches = %d, want 2", len(client.offsets))
	}
}

func TestExtractWindowIsInclusive(t *testing.T) {
	t.Parallel()

	start := time.Date(2023, 10, 6, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 10, 7, 0, 0, 0, 0, time.UTC)

	client := &fakeClient{responses: []fakeResponse{
		{msgs: page(
			newMessage(104, end.Add(time.Second), "after end"),
			newMessage(103, end, "at end"),
			newMessage(102, start, "at start"),
			newMessage(101, start.Add(-time.Second), "before start"),
		)},
	}}
	store := newMemStore()

	records, err := newExtractor(client, store, &recordingWaiter{}).Extract(context.Background(), "chan_a", start, end)
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2 (bounds inclusive, outside excluded)", len(records))
	}
	for _, id := range []int{103, 102} {
		if r, _ := store.GetMessage(context.Background(), "chan_a", id); r == nil {
			t.Errorf("message %d missing from store", id)
		}
	}
	for _, id := range []int{104, 101} {
		if r, _ := store.GetMessage(context.Background(), "chan_a", id); r != nil {
			t.Errorf("message %d stored, want filtered out", id)
		}
	}
	// oldest element is already older than start, so one fetch suffices
	if len(client.offsets) != 1 {
		t.Errorf("fetches = %d, want 1", len(client.offsets))
	}
}

func TestExtractRateLimitReplaysSameCursor(t *testing.T) {
	t.Parallel()

	start := time.Date(2023, 10, 6, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 10, 8, 0, 0, 0, 0, time.UTC)

	client := &fakeClient{responses: []fakeResponse{
		{err: tgerr.New(420, "FLOOD_WAIT_2")},
		{msgs: page(
			newMessage(55, start.Add(2*time.Hour), "a"),
			newMessage(54, start.Add(time.Hour), "b"),
		)},
		{msgs: nil},
	}}
	store := newMemStore()
	waiter := &recordingWaiter{}

	records, err := newExtractor(client, store, waiter).Extract(context.Background(), "chan_a", start, end)
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	if len(client.offsets) < 2 || client.offsets[0] != 0 || client.offsets[1] != 0 {
		t.Errorf("cursor sequence = %v, want the rate-limited cursor retried unchanged", client.offsets)
	}
	if len(waiter.waits) == 0 || waiter.waits[0] != 2*time.Second {
		t.Errorf("waits = %v, want first wait of 2s from the rate-limit signal", waiter.waits)
	}
	if len(records) != 2 {
		t.Errorf("len(records) = %d, want 2 (no loss, no duplication)", len(records))
	}
	if count, _ := store.CountBySource(context.Background(), "chan_a"); count != 2 {
		t.Errorf("stored rows = %d, want 2", count)
	}
}

func TestExtractCooperativeDelayBetweenPages(t *testing.T) {
	t.Parallel()

	start := time.Date(2023, 10, 6, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 10, 8, 0, 0, 0, 0, time.UTC)

	client := &fakeClient{responses: []fakeResponse{
		{msgs: page(newMessage(20, start.Add(2*time.Hour), "a"))},
		{msgs: nil},
	}}
	waiter := &recordingWaiter{}

	if _, err := newExtractor(client, newMemStore(), waiter).Extract(context.Background(), "chan_a", start, end); err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	if len(waiter.waits) != 1 || waiter.waits[0] != 1500*time.Millisecond {
		t.Errorf("waits = %v, want one inter-request delay of 1.5s", waiter.waits)
	}
}

func TestExtractFatalErrorIsPerSource(t *testing.T) {
	t.Parallel()

	start := time.Date(2023, 10, 6, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 10, 8, 0, 0, 0, 0, time.UTC)

	client := &fakeClient{responses: []fakeResponse{
		{err: errors.New("CHANNEL_PRIVATE")},
		{msgs: page(newMessage(30, start.Add(time.Hour), "ok"))},
		{msgs: nil},
	}}
	store := newMemStore()

	sources := []config.SourceConfig{
		{ID: "chan_broken"},
		{ID: "chan_ok"},
	}
	counts := newExtractor(client, store, &recordingWaiter{}).ExtractAll(context.Background(), sources, start, end)

	if counts["chan_broken"] != 0 {
		t.Errorf("counts[chan_broken] = %d, want 0", counts["chan_broken"])
	}
	if counts["chan_ok"] != 1 {
		t.Errorf("counts[chan_ok] = %d, want 1 (run continues past the failed source)", counts["chan_ok"])
	}
	if count, _ := store.CountBySource(context.Background(), "chan_ok"); count != 1 {
		t.Errorf("stored rows for chan_ok = %d, want 1", count)
	}
}

func TestExtractResolveFailureYieldsEmptyResult(t *testing.T) {
	t.Parallel()

	client := &fakeClient{resolveErr: errors.New("USERNAME_NOT_OCCUPIED")}

	records, err := newExtractor(client, newMemStore(), &recordingWaiter{}).Extract(
		context.Background(), "chan_missing",
		time.Date(2023, 10, 6, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 10, 8, 0, 0, 0, 0, time.UTC),
	)
	if err == nil {
		t.Fatal("Extract returned nil error, want failure")
	}
	if len(records) != 0 {
		t.Errorf("len(records) = %d, want 0", len(records))
	}
	if len(client.offsets) != 0 {
		t.Errorf("fetches = %d, want 0", len(client.offsets))
	}
}

func TestExtractServiceMessagesDriveTerminationOnly(t *testing.T) {
	t.Parallel()

	start := time.Date(2023, 10, 6, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 10, 8, 0, 0, 0, 0, time.UTC)

	service := &tg.MessageService{ID: 40, Date: int(start.Add(-time.Hour).Unix())}
	client := &fakeClient{responses: []fakeResponse{
		{msgs: []tg.MessageClass{
			newMessage(41, start.Add(time.Hour), "a"),
			service,
		}},
	}}
	store := newMemStore()

	records, err := newExtractor(client, store, &recordingWaiter{}).Extract(context.Background(), "chan_a", start, end)
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	if len(records) != 1 {
		t.Errorf("len(records) = %d, want 1 (service messages are not normalized)", len(records))
	}
	// the service message's timestamp still terminates pagination
	if len(client.offsets) != 1 {
		t.Errorf("fetches = %d, want 1", len(client.offsets))
	}
}
