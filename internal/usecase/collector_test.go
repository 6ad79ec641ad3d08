package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"ChannelRelay/internal/domain"
	"ChannelRelay/internal/infrastructure/storage"
)

var testStart = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type fakeRewriter struct {
	lastInput string
	calls     int
	err       error
}

func (f *fakeRewriter) Rewrite(_ context.Context, text string) (string, error) {
	f.calls++
	f.lastInput = text
	if f.err != nil {
		return "", f.err
	}
	return "rewritten: " + text, nil
}

func newTestCollector(t *testing.T, store *storage.Memory, clock *fakeClock) *Collector {
	t.Helper()

	if err := store.Upsert(context.Background(), domain.Source{ChatID: 1, Active: true}); err != nil {
		t.Fatalf("upsert source: %v", err)
	}
	return NewCollector(CollectorDeps{
		Sources:   store,
		Dedup:     store,
		Queue:     store,
		AwaitText: 20 * time.Second,
		Clock:     clock.Now,
	})
}

func TestCollectDuplicateDropped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	clock := &fakeClock{now: testStart}
	collector := newTestCollector(t, store, clock)

	item := domain.IncomingItem{SourceID: 1, MessageID: 10, Text: "hello", ReceivedAt: clock.Now()}
	if err := collector.Collect(ctx, item); err != nil {
		t.Fatalf("first collect: %v", err)
	}
	if err := collector.Collect(ctx, item); err != nil {
		t.Fatalf("second collect: %v", err)
	}

	pending, err := store.PendingRewrites(ctx, 10)
	if err != nil {
		t.Fatalf("pending rewrites: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 queued row after duplicate, got %d", len(pending))
	}
}

func TestCollectInactiveSourceDropped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	clock := &fakeClock{now: testStart}
	collector := NewCollector(CollectorDeps{
		Sources: store, Dedup: store, Queue: store,
		AwaitText: 20 * time.Second, Clock: clock.Now,
	})

	if err := collector.Collect(ctx, domain.IncomingItem{SourceID: 99, MessageID: 1, Text: "hi"}); err != nil {
		t.Fatalf("collect: %v", err)
	}

	seen, err := store.Seen(ctx, 99, 1)
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatalf("item from unknown source must not be marked seen")
	}
}

func TestCollectEmptyItemDropped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	clock := &fakeClock{now: testStart}
	collector := newTestCollector(t, store, clock)

	if err := collector.Collect(ctx, domain.IncomingItem{SourceID: 1, MessageID: 5}); err != nil {
		t.Fatalf("collect: %v", err)
	}

	seen, err := store.Seen(ctx, 1, 5)
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatalf("empty item must not be marked seen")
	}
}

func TestCollectLoneMediaThenCaption(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	clock := &fakeClock{now: testStart}
	collector := newTestCollector(t, store, clock)

	media := domain.IncomingItem{
		SourceID: 1, MessageID: 10,
		Media: domain.MediaRef{Kind: domain.MediaPhoto, FileID: "f1"},
	}
	if err := collector.Collect(ctx, media); err != nil {
		t.Fatalf("collect media: %v", err)
	}

	clock.Advance(5 * time.Second)
	caption := domain.IncomingItem{SourceID: 1, MessageID: 11, Text: "the caption"}
	if err := collector.Collect(ctx, caption); err != nil {
		t.Fatalf("collect caption: %v", err)
	}

	pending, err := store.PendingRewrites(ctx, 10)
	if err != nil {
		t.Fatalf("pending rewrites: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected the glued row to be the only pending one, got %d", len(pending))
	}
	row := pending[0]
	if row.MessageID != 10 || row.OriginalText != "the caption" {
		t.Fatalf("caption not glued onto media row: %+v", row)
	}
	if row.Media.FileID != "f1" {
		t.Fatalf("media lost while gluing: %+v", row)
	}
	if row.LinkedMessageID != 11 {
		t.Fatalf("expected linked message 11, got %d", row.LinkedMessageID)
	}
	if row.AwaitingText {
		t.Fatalf("awaiting flag must clear after glue")
	}
}

func TestCollectConcurrentCaptionsLoseNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	clock := &fakeClock{now: testStart}
	collector := newTestCollector(t, store, clock)

	media := domain.IncomingItem{
		SourceID: 1, MessageID: 10,
		Media: domain.MediaRef{Kind: domain.MediaPhoto, FileID: "f1"},
	}
	if err := collector.Collect(ctx, media); err != nil {
		t.Fatalf("collect media: %v", err)
	}

	// Both intakes race captions at the same awaiting row; exactly one may
	// glue, the rest must survive as standalone texts.
	const racers = 8
	var wg sync.WaitGroup
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- collector.Collect(ctx, domain.IncomingItem{
				SourceID: 1, MessageID: int64(11 + n), Text: fmt.Sprintf("caption %d", n),
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent collect: %v", err)
		}
	}

	pending, err := store.PendingRewrites(ctx, racers+1)
	if err != nil {
		t.Fatalf("pending rewrites: %v", err)
	}
	if len(pending) != racers {
		t.Fatalf("expected %d surviving texts, got %d", racers, len(pending))
	}

	glued := 0
	for _, row := range pending {
		if row.MessageID == 10 {
			glued++
		}
	}
	if glued != 1 {
		t.Fatalf("exactly one caption must glue onto the media, got %d", glued)
	}
}

func TestCollectCaptionAfterWindowBecomesStandalone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	clock := &fakeClock{now: testStart}
	collector := newTestCollector(t, store, clock)

	media := domain.IncomingItem{
		SourceID: 1, MessageID: 10,
		Media: domain.MediaRef{Kind: domain.MediaPhoto, FileID: "f1"},
	}
	if err := collector.Collect(ctx, media); err != nil {
		t.Fatalf("collect media: %v", err)
	}

	clock.Advance(30 * time.Second)
	late := domain.IncomingItem{SourceID: 1, MessageID: 11, Text: "too late"}
	if err := collector.Collect(ctx, late); err != nil {
		t.Fatalf("collect late text: %v", err)
	}

	pending, err := store.PendingRewrites(ctx, 10)
	if err != nil {
		t.Fatalf("pending rewrites: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 standalone text row, got %d", len(pending))
	}
	if pending[0].MessageID != 11 || pending[0].OriginalText != "too late" {
		t.Fatalf("late text must queue on its own: %+v", pending[0])
	}
}

func TestCollectAlbumCaptionGlued(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	clock := &fakeClock{now: testStart}
	collector := newTestCollector(t, store, clock)

	for i, fileID := range []string{"f1", "f2"} {
		item := domain.IncomingItem{
			SourceID: 1, MessageID: int64(10 + i), GroupID: "g1",
			Media: domain.MediaRef{Kind: domain.MediaPhoto, FileID: fileID},
		}
		if err := collector.Collect(ctx, item); err != nil {
			t.Fatalf("collect album part %d: %v", i, err)
		}
	}

	clock.Advance(2 * time.Second)
	caption := domain.IncomingItem{SourceID: 1, MessageID: 12, Text: "Gear X"}
	if err := collector.Collect(ctx, caption); err != nil {
		t.Fatalf("collect caption: %v", err)
	}

	first, err := store.FirstAlbumPart(ctx, 1, "g1")
	if err != nil {
		t.Fatalf("first album part: %v", err)
	}
	if first == nil || first.OriginalText != "Gear X" {
		t.Fatalf("caption must land on the first album part, got %+v", first)
	}
	if first.RewriteStatus != domain.RewriteSkipped {
		t.Fatalf("album caption must stay unrewritten until build, got %s", first.RewriteStatus)
	}
	if !first.CollectedAt.Equal(clock.Now()) {
		t.Fatalf("caption must reset the album's activity timestamp")
	}

	pending, err := store.PendingRewrites(ctx, 10)
	if err != nil {
		t.Fatalf("pending rewrites: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("glued album caption must not queue standalone rows, got %d", len(pending))
	}
}

func TestCollectSecondCaptionStaysStandalone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	clock := &fakeClock{now: testStart}
	collector := newTestCollector(t, store, clock)

	album := domain.IncomingItem{
		SourceID: 1, MessageID: 10, GroupID: "g1", Text: "already captioned",
		Media: domain.MediaRef{Kind: domain.MediaPhoto, FileID: "f1"},
	}
	if err := collector.Collect(ctx, album); err != nil {
		t.Fatalf("collect album: %v", err)
	}

	extra := domain.IncomingItem{SourceID: 1, MessageID: 11, Text: "unrelated post"}
	if err := collector.Collect(ctx, extra); err != nil {
		t.Fatalf("collect extra text: %v", err)
	}

	pending, err := store.PendingRewrites(ctx, 10)
	if err != nil {
		t.Fatalf("pending rewrites: %v", err)
	}
	if len(pending) != 1 || pending[0].OriginalText != "unrelated post" {
		t.Fatalf("text after a captioned album must queue standalone, got %+v", pending)
	}
}
