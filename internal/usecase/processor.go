package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"ChannelRelay/internal/domain"
	"ChannelRelay/internal/ports"
)

const rewriteBatchSize = 50

// ProcessorDeps wires the driven adapters into the finalization side of the
// assembly engine.
type ProcessorDeps struct {
	Queue    ports.MessageQueue
	Posts    ports.PostStore
	Rewriter ports.Rewriter
	Locks    *GroupLocks

	AlbumDebounce    time.Duration
	MediaOnlyCaption string
	Logger           *slog.Logger
	Clock            func() time.Time
}

// Processor runs the periodic finalization passes: rewriting queued text,
// expiring caption grace windows, and assembling queued rows into posts.
type Processor struct {
	queue    ports.MessageQueue
	posts    ports.PostStore
	rewriter ports.Rewriter
	locks    *GroupLocks

	albumDebounce    time.Duration
	mediaOnlyCaption string
	log              *slog.Logger
	now              func() time.Time
}

// NewProcessor constructs the finalization component. Locks must be the same
// table the Collector uses.
func NewProcessor(deps ProcessorDeps) *Processor {
	p := &Processor{
		queue:            deps.Queue,
		posts:            deps.Posts,
		rewriter:         deps.Rewriter,
		locks:            deps.Locks,
		albumDebounce:    deps.AlbumDebounce,
		mediaOnlyCaption: deps.MediaOnlyCaption,
		log:              deps.Logger,
		now:              deps.Clock,
	}
	if p.locks == nil {
		p.locks = NewGroupLocks()
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// RewritePending pushes queued ungrouped texts through the rewrite gateway.
// The gateway degrades to marked original text instead of failing, so a
// returned error here means cancellation or storage trouble; the row stays
// pending and is retried on the next pass.
func (p *Processor) RewritePending(ctx context.Context) error {
	msgs, err := p.queue.PendingRewrites(ctx, rewriteBatchSize)
	if err != nil {
		return fmt.Errorf("load pending rewrites: %w", err)
	}

	for _, msg := range msgs {
		rewritten, err := p.rewriter.Rewrite(ctx, msg.OriginalText)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("rewrite failed, leaving pending", "queue_id", msg.ID, "error", err)
			continue
		}
		if err := p.queue.SaveRewrite(ctx, msg.ID, rewritten, domain.RewriteDone, ""); err != nil {
			p.log.Error("save rewrite", "queue_id", msg.ID, "error", err)
			continue
		}
		p.log.Info("rewrite done", "queue_id", msg.ID)
	}
	return nil
}

// CloseExpiredAwaiting ends the caption grace window of lone media rows whose
// deadline passed. They finalize with empty text and fall back to the
// media-only caption at build time.
func (p *Processor) CloseExpiredAwaiting(ctx context.Context) error {
	expired, err := p.queue.ExpiredAwaiting(ctx, p.now())
	if err != nil {
		return fmt.Errorf("load expired awaiting: %w", err)
	}

	for _, msg := range expired {
		if err := p.queue.CloseAwaiting(ctx, msg.ID); err != nil {
			p.log.Error("close awaiting", "queue_id", msg.ID, "error", err)
			continue
		}
		p.log.Info("caption window expired",
			"source", msg.SourceID, "message", msg.MessageID)
	}
	return nil
}

type albumKey struct {
	sourceID int64
	groupID  string
}

// BuildPosts assembles queued rows into posts. Singles build immediately;
// an album builds only once its silence interval elapsed, measured from the
// newest activity across all of its rows.
func (p *Processor) BuildPosts(ctx context.Context) error {
	msgs, err := p.queue.Buildable(ctx)
	if err != nil {
		return fmt.Errorf("load buildable: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	now := p.now()

	albums := map[albumKey][]*domain.QueuedMessage{}
	var singles []*domain.QueuedMessage
	for _, msg := range msgs {
		if msg.GroupID != "" {
			key := albumKey{msg.SourceID, msg.GroupID}
			albums[key] = append(albums[key], msg)
		} else {
			singles = append(singles, msg)
		}
	}

	for key, parts := range albums {
		lastActivity := parts[0].CollectedAt
		for _, part := range parts {
			if part.CollectedAt.After(lastActivity) {
				lastActivity = part.CollectedAt
			}
		}
		if now.Sub(lastActivity) < p.albumDebounce {
			continue
		}
		if err := p.buildAlbum(ctx, key, parts); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("build album", "group", key.groupID, "error", err)
			continue
		}
		p.locks.Forget(key.groupID)
	}

	for _, msg := range singles {
		if err := p.buildSingle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("build single", "queue_id", msg.ID, "error", err)
		}
	}
	return nil
}

func (p *Processor) buildAlbum(ctx context.Context, key albumKey, parts []*domain.QueuedMessage) error {
	p.locks.Lock(key.groupID)
	defer p.locks.Unlock(key.groupID)

	sort.Slice(parts, func(i, j int) bool {
		return parts[i].MessageID < parts[j].MessageID
	})

	var combined string
	for _, part := range parts {
		if part.OriginalText == "" {
			continue
		}
		if combined != "" {
			combined += "\n\n"
		}
		combined += part.OriginalText
	}

	finalText := p.mediaOnlyCaption
	if combined != "" {
		rewritten, err := p.rewriter.Rewrite(ctx, combined)
		if err != nil {
			return fmt.Errorf("rewrite album text: %w", err)
		}
		finalText = rewritten
	}

	post := &domain.Post{
		GroupID:     key.groupID,
		SourceID:    key.sourceID,
		FinalText:   finalText,
		Status:      domain.PostScheduled,
		ScheduledAt: p.now(),
	}
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		ids = append(ids, part.ID)
		if part.HasMedia() {
			post.Media = append(post.Media, part.Media)
		}
	}

	if err := p.posts.Finalize(ctx, post, ids); err != nil {
		return fmt.Errorf("finalize album: %w", err)
	}

	p.log.Info("album assembled",
		"group", key.groupID, "parts", len(parts), "post", post.ID)
	return nil
}

func (p *Processor) buildSingle(ctx context.Context, msg *domain.QueuedMessage) error {
	finalText := msg.RewrittenText
	if msg.HasMedia() && finalText == "" {
		finalText = p.mediaOnlyCaption
	}

	post := &domain.Post{
		SourceID:    msg.SourceID,
		FinalText:   finalText,
		Status:      domain.PostScheduled,
		ScheduledAt: p.now(),
	}
	if msg.HasMedia() {
		post.Media = []domain.MediaRef{msg.Media}
	}

	if err := p.posts.Finalize(ctx, post, []int64{msg.ID}); err != nil {
		return fmt.Errorf("finalize post: %w", err)
	}

	p.log.Info("single assembled", "queue_id", msg.ID, "post", post.ID)
	return nil
}
