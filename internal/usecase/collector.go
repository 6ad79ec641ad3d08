package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"ChannelRelay/internal/domain"
	"ChannelRelay/internal/ports"
)

// CollectorDeps wires the driven adapters into the assembly engine's
// ingestion side.
type CollectorDeps struct {
	Sources ports.SourceRegistry
	Dedup   ports.DedupStore
	Queue   ports.MessageQueue
	Locks   *GroupLocks

	AwaitText time.Duration
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Collector classifies incoming items and merges split text/media pairs into
// queued rows. Finalization itself happens in the Processor sweeps; the
// collector only decides where each fragment belongs.
type Collector struct {
	sources ports.SourceRegistry
	dedup   ports.DedupStore
	queue   ports.MessageQueue
	locks   *GroupLocks

	awaitText time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// NewCollector constructs the ingestion component.
func NewCollector(deps CollectorDeps) *Collector {
	c := &Collector{
		sources:   deps.Sources,
		dedup:     deps.Dedup,
		queue:     deps.Queue,
		locks:     deps.Locks,
		awaitText: deps.AwaitText,
		log:       deps.Logger,
		now:       deps.Clock,
	}
	if c.locks == nil {
		c.locks = NewGroupLocks()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Collect ingests one raw event. Items from inactive sources, duplicates and
// empty messages are dropped silently; everything else lands in the queue
// with its classification applied.
func (c *Collector) Collect(ctx context.Context, item domain.IncomingItem) error {
	src, err := c.sources.FindActive(ctx, item.SourceID)
	if err != nil {
		return fmt.Errorf("look up source %d: %w", item.SourceID, err)
	}
	if src == nil {
		c.log.Debug("source inactive, dropping", "source", item.SourceID, "message", item.MessageID)
		return nil
	}

	seen, err := c.dedup.Seen(ctx, item.SourceID, item.MessageID)
	if err != nil {
		return fmt.Errorf("dedup check %d/%d: %w", item.SourceID, item.MessageID, err)
	}
	if seen {
		c.log.Debug("duplicate, dropping", "source", item.SourceID, "message", item.MessageID)
		return nil
	}

	switch {
	case item.HasText() && !item.HasMedia():
		err = c.collectText(ctx, item)
	case item.HasMedia() && item.HasText():
		err = c.collectMediaWithText(ctx, item)
	case item.HasMedia():
		err = c.collectMediaOnly(ctx, item)
	default:
		c.log.Debug("empty item, dropping", "source", item.SourceID, "message", item.MessageID)
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.dedup.MarkSeen(ctx, item.SourceID, item.MessageID); err != nil {
		return fmt.Errorf("mark seen %d/%d: %w", item.SourceID, item.MessageID, err)
	}
	return nil
}

// collectText handles text with no media. The text may be a late caption for
// a lone media still inside its grace window, a late caption for a recent
// caption-less album, or an ordinary standalone text post.
func (c *Collector) collectText(ctx context.Context, item domain.IncomingItem) error {
	now := c.now()

	glued, err := c.glueOntoAwaitingMedia(ctx, item, now)
	if err != nil {
		return err
	}
	if glued {
		return nil
	}

	attached, err := c.attachToRecentAlbum(ctx, item, now)
	if err != nil {
		return err
	}
	if attached {
		return nil
	}

	if err := c.queue.Enqueue(ctx, &domain.QueuedMessage{
		SourceID:      item.SourceID,
		MessageID:     item.MessageID,
		GroupID:       item.GroupID,
		OriginalText:  item.Text,
		RewriteStatus: domain.RewritePending,
		CollectedAt:   now,
	}); err != nil {
		return fmt.Errorf("enqueue text: %w", err)
	}
	c.log.Info("queued standalone text", "source", item.SourceID, "message", item.MessageID)
	return nil
}

// glueOntoAwaitingMedia tries to use the text as the late caption of a lone
// media still inside its grace window. Find-and-attach runs under a
// per-source lock: both intakes feed the same collector, and two concurrent
// texts could otherwise match the same awaiting row, the later attach
// overwriting the earlier caption.
func (c *Collector) glueOntoAwaitingMedia(ctx context.Context, item domain.IncomingItem, now time.Time) (bool, error) {
	key := awaitingLockKey(item.SourceID)
	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	media, err := c.queue.AwaitingMedia(ctx, item.SourceID, item.MessageID, now)
	if err != nil {
		return false, fmt.Errorf("find awaiting media: %w", err)
	}
	if media == nil {
		return false, nil
	}

	// Glue the caption on and let the rewrite sweep pick it up.
	if err := c.queue.AttachText(ctx, media.ID, item.Text, item.MessageID, domain.RewritePending); err != nil {
		return false, fmt.Errorf("attach text to media %d: %w", media.ID, err)
	}
	c.log.Info("glued text onto lone media",
		"source", item.SourceID, "media", media.MessageID, "text", item.MessageID)
	return true, nil
}

func awaitingLockKey(sourceID int64) string {
	return "awaiting/" + strconv.FormatInt(sourceID, 10)
}

// attachToRecentAlbum tries to use the text as the caption of an album whose
// caption raced the media delivery. The check-and-attach runs under the
// group's lock; attaching does not finalize, the album still waits out its
// own silence interval.
func (c *Collector) attachToRecentAlbum(ctx context.Context, item domain.IncomingItem, now time.Time) (bool, error) {
	part, err := c.queue.RecentAlbumPart(ctx, item.SourceID, now.Add(-c.awaitText), item.MessageID)
	if err != nil {
		return false, fmt.Errorf("find recent album: %w", err)
	}
	if part == nil {
		return false, nil
	}

	c.locks.Lock(part.GroupID)
	defer c.locks.Unlock(part.GroupID)

	hasText, err := c.queue.AlbumHasText(ctx, item.SourceID, part.GroupID)
	if err != nil {
		return false, fmt.Errorf("check album text: %w", err)
	}
	if hasText {
		return false, nil
	}

	first, err := c.queue.FirstAlbumPart(ctx, item.SourceID, part.GroupID)
	if err != nil {
		return false, fmt.Errorf("find first album part: %w", err)
	}
	if first == nil {
		return false, nil
	}

	// Skipped, not pending: the album rewrites once at build time.
	if err := c.queue.AttachText(ctx, first.ID, item.Text, item.MessageID, domain.RewriteSkipped); err != nil {
		return false, fmt.Errorf("attach caption to album %s: %w", part.GroupID, err)
	}
	if err := c.queue.TouchAlbum(ctx, item.SourceID, part.GroupID, now); err != nil {
		return false, fmt.Errorf("touch album %s: %w", part.GroupID, err)
	}

	c.log.Info("glued caption onto album",
		"source", item.SourceID, "group", part.GroupID, "text", item.MessageID)
	return true, nil
}

func (c *Collector) collectMediaWithText(ctx context.Context, item domain.IncomingItem) error {
	now := c.now()

	if item.Grouped() {
		c.locks.Lock(item.GroupID)
		defer c.locks.Unlock(item.GroupID)

		if err := c.queue.Enqueue(ctx, &domain.QueuedMessage{
			SourceID:      item.SourceID,
			MessageID:     item.MessageID,
			GroupID:       item.GroupID,
			OriginalText:  item.Text,
			Media:         item.Media,
			RewriteStatus: domain.RewriteSkipped,
			CollectedAt:   now,
		}); err != nil {
			return fmt.Errorf("enqueue album part: %w", err)
		}
		if err := c.queue.TouchAlbum(ctx, item.SourceID, item.GroupID, now); err != nil {
			return fmt.Errorf("touch album %s: %w", item.GroupID, err)
		}
		c.log.Info("queued album media with text",
			"source", item.SourceID, "message", item.MessageID, "group", item.GroupID)
		return nil
	}

	if err := c.queue.Enqueue(ctx, &domain.QueuedMessage{
		SourceID:      item.SourceID,
		MessageID:     item.MessageID,
		OriginalText:  item.Text,
		Media:         item.Media,
		RewriteStatus: domain.RewritePending,
		CollectedAt:   now,
	}); err != nil {
		return fmt.Errorf("enqueue media with text: %w", err)
	}
	c.log.Info("queued single media with text", "source", item.SourceID, "message", item.MessageID)
	return nil
}

func (c *Collector) collectMediaOnly(ctx context.Context, item domain.IncomingItem) error {
	now := c.now()

	if item.Grouped() {
		c.locks.Lock(item.GroupID)
		defer c.locks.Unlock(item.GroupID)

		// Album parts never wait for their own caption; one of the other
		// parts (or a separate text message) carries it.
		if err := c.queue.Enqueue(ctx, &domain.QueuedMessage{
			SourceID:      item.SourceID,
			MessageID:     item.MessageID,
			GroupID:       item.GroupID,
			Media:         item.Media,
			RewriteStatus: domain.RewriteSkipped,
			CollectedAt:   now,
		}); err != nil {
			return fmt.Errorf("enqueue album part: %w", err)
		}
		if err := c.queue.TouchAlbum(ctx, item.SourceID, item.GroupID, now); err != nil {
			return fmt.Errorf("touch album %s: %w", item.GroupID, err)
		}
		c.log.Info("queued album media",
			"source", item.SourceID, "message", item.MessageID, "group", item.GroupID)
		return nil
	}

	if err := c.queue.Enqueue(ctx, &domain.QueuedMessage{
		SourceID:      item.SourceID,
		MessageID:     item.MessageID,
		Media:         item.Media,
		RewriteStatus: domain.RewriteSkipped,
		AwaitingText:  true,
		AwaitingUntil: now.Add(c.awaitText),
		CollectedAt:   now,
	}); err != nil {
		return fmt.Errorf("enqueue lone media: %w", err)
	}
	c.log.Info("queued lone media, awaiting text",
		"source", item.SourceID, "message", item.MessageID, "until", now.Add(c.awaitText))
	return nil
}
