package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"ChannelRelay/internal/domain"
	"ChannelRelay/internal/ports"
)

const (
	publishBatchSize = 10

	// Pause between text chunks of one post, and between a media batch and
	// its overlong text, so the platform delivers them in order.
	interChunkPause    = 500 * time.Millisecond
	mediaDeliveryPause = 1500 * time.Millisecond
)

// PublisherDeps wires the driven adapters into the publication scheduler.
type PublisherDeps struct {
	Posts ports.PostStore
	Chat  ports.ChatClient

	DestChatID   int64
	PostDelay    time.Duration
	CaptionLimit int
	MessageLimit int

	Logger *slog.Logger
	Clock  func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
}

// Publisher drains due posts in finalization order and dispatches them to the
// destination channel with a minimum delay between consecutive publishes.
type Publisher struct {
	posts ports.PostStore
	chat  ports.ChatClient

	destChatID   int64
	postDelay    time.Duration
	captionLimit int
	messageLimit int

	log   *slog.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// mu is the process-wide publish lock; it is what turns postDelay into
	// an actual gap between sends.
	mu            sync.Mutex
	lastPublished time.Time
}

// NewPublisher constructs the publication scheduler.
func NewPublisher(deps PublisherDeps) *Publisher {
	p := &Publisher{
		posts:        deps.Posts,
		chat:         deps.Chat,
		destChatID:   deps.DestChatID,
		postDelay:    deps.PostDelay,
		captionLimit: deps.CaptionLimit,
		messageLimit: deps.MessageLimit,
		log:          deps.Logger,
		now:          deps.Clock,
		sleep:        deps.Sleep,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PublishDue publishes scheduled posts whose time elapsed. A send failure
// marks the post failed with the error recorded and is not retried; the
// sweep moves on to the next post.
func (p *Publisher) PublishDue(ctx context.Context) error {
	due, err := p.posts.Due(ctx, p.now(), publishBatchSize)
	if err != nil {
		return fmt.Errorf("load due posts: %w", err)
	}

	for _, post := range due {
		if err := p.publish(ctx, post); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("publish failed", "post", post.ID, "error", err)
			if markErr := p.posts.MarkFailed(ctx, post.ID, err.Error()); markErr != nil {
				p.log.Error("mark failed", "post", post.ID, "error", markErr)
			}
			continue
		}
		if err := p.posts.MarkPosted(ctx, post.ID, p.now()); err != nil {
			p.log.Error("mark posted", "post", post.ID, "error", err)
			continue
		}
		p.log.Info("published", "post", post.ID, "media", len(post.Media))
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, post *domain.Post) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.waitTurn(ctx); err != nil {
		return err
	}

	hasMedia := len(post.Media) > 0
	hasText := post.FinalText != ""

	var err error
	switch {
	case !hasMedia && hasText:
		err = p.sendTextChunks(ctx, post.FinalText)
	case hasMedia && !hasText:
		err = p.chat.SendMediaGroup(ctx, p.destChatID, post.Media, "")
	case hasMedia && hasText:
		err = p.sendMediaAndText(ctx, post)
	default:
		p.log.Warn("empty post, nothing to send", "post", post.ID)
	}
	if err != nil {
		return err
	}

	p.lastPublished = p.now()
	return nil
}

// waitTurn sleeps the remainder of the minimum inter-post delay, so bursts of
// ready posts still go out spaced apart.
func (p *Publisher) waitTurn(ctx context.Context) error {
	if p.lastPublished.IsZero() {
		return nil
	}
	remaining := p.postDelay - p.now().Sub(p.lastPublished)
	if remaining <= 0 {
		return nil
	}
	return p.sleep(ctx, remaining)
}

func (p *Publisher) sendTextChunks(ctx context.Context, text string) error {
	chunks := SplitText(text, p.messageLimit)
	for i, chunk := range chunks {
		if i > 0 {
			if err := p.sleep(ctx, interChunkPause); err != nil {
				return err
			}
		}
		if err := p.chat.SendText(ctx, p.destChatID, chunk); err != nil {
			return fmt.Errorf("send text chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

// sendMediaAndText sends the media with the text as caption when it fits.
// Overlong captions are never attempted: the platform would silently truncate
// them, so the text goes out separately after the media batch lands.
func (p *Publisher) sendMediaAndText(ctx context.Context, post *domain.Post) error {
	if utf8.RuneCountInString(post.FinalText) <= p.captionLimit {
		return p.chat.SendMediaGroup(ctx, p.destChatID, post.Media, post.FinalText)
	}

	if err := p.chat.SendMediaGroup(ctx, p.destChatID, post.Media, ""); err != nil {
		return fmt.Errorf("send media batch: %w", err)
	}
	if err := p.sleep(ctx, mediaDeliveryPause); err != nil {
		return err
	}
	return p.sendTextChunks(ctx, post.FinalText)
}
