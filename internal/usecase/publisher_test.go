package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ChannelRelay/internal/domain"
	"ChannelRelay/internal/infrastructure/storage"
)

type sentGroup struct {
	chatID  int64
	media   []domain.MediaRef
	caption string
}

type fakeChat struct {
	texts  []string
	groups []sentGroup
	err    error
}

func (f *fakeChat) SendText(_ context.Context, _ int64, text string) error {
	if f.err != nil {
		return f.err
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeChat) SendMediaGroup(_ context.Context, chatID int64, media []domain.MediaRef, caption string) error {
	if f.err != nil {
		return f.err
	}
	f.groups = append(f.groups, sentGroup{chatID: chatID, media: media, caption: caption})
	return nil
}

type publisherFixture struct {
	store *storage.Memory
	chat  *fakeChat
	clock *fakeClock
	slept []time.Duration
	pub   *Publisher
}

func newPublisherFixture(t *testing.T, captionLimit, messageLimit int) *publisherFixture {
	t.Helper()

	f := &publisherFixture{
		store: storage.NewMemory(),
		chat:  &fakeChat{},
		clock: &fakeClock{now: testStart},
	}
	f.pub = NewPublisher(PublisherDeps{
		Posts:        f.store,
		Chat:         f.chat,
		DestChatID:   -100500,
		PostDelay:    10 * time.Minute,
		CaptionLimit: captionLimit,
		MessageLimit: messageLimit,
		Clock:        f.clock.Now,
		Sleep: func(_ context.Context, d time.Duration) error {
			f.slept = append(f.slept, d)
			return nil
		},
	})
	return f
}

func (f *publisherFixture) createPost(t *testing.T, post domain.Post) {
	t.Helper()

	post.Status = domain.PostScheduled
	if post.ScheduledAt.IsZero() {
		post.ScheduledAt = f.clock.Now().Add(-time.Minute)
	}
	if err := f.store.Create(context.Background(), &post); err != nil {
		t.Fatalf("create post: %v", err)
	}
}

func TestPublishDueSpacesConsecutivePosts(t *testing.T) {
	t.Parallel()

	f := newPublisherFixture(t, 1024, 4096)
	f.createPost(t, domain.Post{SourceID: 1, FinalText: "one"})
	f.createPost(t, domain.Post{SourceID: 1, FinalText: "two"})

	if err := f.pub.PublishDue(context.Background()); err != nil {
		t.Fatalf("publish due: %v", err)
	}

	if len(f.chat.texts) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(f.chat.texts))
	}
	if f.chat.texts[0] != "one" || f.chat.texts[1] != "two" {
		t.Fatalf("posts out of order: %v", f.chat.texts)
	}
	// The clock never advances, so the second post must wait the full delay.
	if len(f.slept) != 1 || f.slept[0] != 10*time.Minute {
		t.Fatalf("expected one full-delay wait, got %v", f.slept)
	}

	for _, post := range f.store.Posts() {
		if post.Status != domain.PostPosted {
			t.Fatalf("post %d not marked posted: %s", post.ID, post.Status)
		}
	}
}

func TestPublishShortCaptionRidesOnMedia(t *testing.T) {
	t.Parallel()

	f := newPublisherFixture(t, 1024, 4096)
	f.createPost(t, domain.Post{
		SourceID:  1,
		FinalText: "short caption",
		Media: []domain.MediaRef{
			{Kind: domain.MediaPhoto, FileID: "f1"},
			{Kind: domain.MediaPhoto, FileID: "f2"},
		},
	})

	if err := f.pub.PublishDue(context.Background()); err != nil {
		t.Fatalf("publish due: %v", err)
	}

	if len(f.chat.groups) != 1 {
		t.Fatalf("expected 1 media batch, got %d", len(f.chat.groups))
	}
	if f.chat.groups[0].caption != "short caption" {
		t.Fatalf("caption must ride on the batch, got %q", f.chat.groups[0].caption)
	}
	if len(f.chat.texts) != 0 {
		t.Fatalf("no separate text expected, got %v", f.chat.texts)
	}
}

func TestPublishCaptionAtLimitRidesOnMedia(t *testing.T) {
	t.Parallel()

	f := newPublisherFixture(t, 10, 4096)
	exact := strings.Repeat("я", 10)
	f.createPost(t, domain.Post{
		SourceID:  1,
		FinalText: exact,
		Media:     []domain.MediaRef{{Kind: domain.MediaPhoto, FileID: "f1"}},
	})

	if err := f.pub.PublishDue(context.Background()); err != nil {
		t.Fatalf("publish due: %v", err)
	}

	if len(f.chat.groups) != 1 || f.chat.groups[0].caption != exact {
		t.Fatalf("a caption of exactly the limit still fits, got %+v", f.chat.groups)
	}
	if len(f.chat.texts) != 0 {
		t.Fatalf("no separate text expected, got %v", f.chat.texts)
	}
}

func TestPublishOverlongCaptionGoesSeparately(t *testing.T) {
	t.Parallel()

	f := newPublisherFixture(t, 10, 8)
	long := strings.Repeat("abcde", 5) // 25 runes, over both limits
	f.createPost(t, domain.Post{
		SourceID:  1,
		FinalText: long,
		Media:     []domain.MediaRef{{Kind: domain.MediaPhoto, FileID: "f1"}},
	})

	if err := f.pub.PublishDue(context.Background()); err != nil {
		t.Fatalf("publish due: %v", err)
	}

	if len(f.chat.groups) != 1 || f.chat.groups[0].caption != "" {
		t.Fatalf("overlong caption must not ride on the batch: %+v", f.chat.groups)
	}
	if joined := strings.Join(f.chat.texts, ""); joined != long {
		t.Fatalf("text chunks must reassemble the caption, got %q", joined)
	}
	for i, chunk := range f.chat.texts {
		if len([]rune(chunk)) > 8 {
			t.Fatalf("chunk %d exceeds the message limit: %q", i, chunk)
		}
	}
	if len(f.slept) == 0 || f.slept[0] != mediaDeliveryPause {
		t.Fatalf("text must wait for the media batch to land, sleeps: %v", f.slept)
	}
}

func TestPublishMediaOnly(t *testing.T) {
	t.Parallel()

	f := newPublisherFixture(t, 1024, 4096)
	f.createPost(t, domain.Post{
		SourceID: 1,
		Media:    []domain.MediaRef{{Kind: domain.MediaVideo, FileID: "v1"}},
	})

	if err := f.pub.PublishDue(context.Background()); err != nil {
		t.Fatalf("publish due: %v", err)
	}

	if len(f.chat.groups) != 1 || f.chat.groups[0].caption != "" {
		t.Fatalf("expected one caption-less batch, got %+v", f.chat.groups)
	}
	if f.chat.groups[0].chatID != -100500 {
		t.Fatalf("wrong destination: %d", f.chat.groups[0].chatID)
	}
}

func TestPublishFailureMarksPostFailed(t *testing.T) {
	t.Parallel()

	f := newPublisherFixture(t, 1024, 4096)
	f.chat.err = errors.New("blocked by peer")
	f.createPost(t, domain.Post{SourceID: 1, FinalText: "doomed"})

	if err := f.pub.PublishDue(context.Background()); err != nil {
		t.Fatalf("publish due: %v", err)
	}

	posts := f.store.Posts()
	if len(posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(posts))
	}
	if posts[0].Status != domain.PostFailed {
		t.Fatalf("expected failed status, got %s", posts[0].Status)
	}
	if !strings.Contains(posts[0].PostError, "blocked by peer") {
		t.Fatalf("failure reason not recorded: %q", posts[0].PostError)
	}
}

func TestPublishNotDueYet(t *testing.T) {
	t.Parallel()

	f := newPublisherFixture(t, 1024, 4096)
	f.createPost(t, domain.Post{
		SourceID:    1,
		FinalText:   "later",
		ScheduledAt: f.clock.Now().Add(time.Hour),
	})

	if err := f.pub.PublishDue(context.Background()); err != nil {
		t.Fatalf("publish due: %v", err)
	}
	if len(f.chat.texts) != 0 {
		t.Fatalf("future post must not publish, got %v", f.chat.texts)
	}
}
