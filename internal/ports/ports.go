package ports

import (
	"context"
	"time"

	"ChannelRelay/internal/domain"
)

// SourceRegistry stores the channels we collect from.
type SourceRegistry interface {
	// FindActive returns the source for chatID, or nil when it is unknown
	// or deactivated.
	FindActive(ctx context.Context, chatID int64) (*domain.Source, error)
	Upsert(ctx context.Context, src domain.Source) error
	Deactivate(ctx context.Context, chatID int64) error
	List(ctx context.Context) ([]domain.Source, error)
}

// DedupStore records which (source, message) pairs were already ingested.
// MarkSeen is idempotent; duplicate marks are no-ops.
type DedupStore interface {
	Seen(ctx context.Context, sourceID, messageID int64) (bool, error)
	MarkSeen(ctx context.Context, sourceID, messageID int64) error
}

// MessageQueue persists in-flight merge state for ingested messages.
type MessageQueue interface {
	// Enqueue inserts the row; re-inserting the same (source, message)
	// pair is a no-op.
	Enqueue(ctx context.Context, msg *domain.QueuedMessage) error

	// AwaitingMedia returns the newest lone-media row from the source
	// whose caption grace window is still open and whose message id is
	// smaller than beforeMessageID, or nil.
	AwaitingMedia(ctx context.Context, sourceID, beforeMessageID int64, now time.Time) (*domain.QueuedMessage, error)

	// AttachText glues a separately delivered text onto an existing row
	// and clears its awaiting flag.
	AttachText(ctx context.Context, id int64, text string, linkedMessageID int64, status domain.RewriteStatus) error

	// RecentAlbumPart returns the newest not-yet-built album row from the
	// source collected after cutoff with a message id smaller than
	// beforeMessageID, or nil.
	RecentAlbumPart(ctx context.Context, sourceID int64, cutoff time.Time, beforeMessageID int64) (*domain.QueuedMessage, error)

	AlbumHasText(ctx context.Context, sourceID int64, groupID string) (bool, error)
	FirstAlbumPart(ctx context.Context, sourceID int64, groupID string) (*domain.QueuedMessage, error)

	// TouchAlbum resets the album's last-activity timestamp on all of its
	// not-yet-built rows (the debounce reset).
	TouchAlbum(ctx context.Context, sourceID int64, groupID string, now time.Time) error

	PendingRewrites(ctx context.Context, limit int) ([]*domain.QueuedMessage, error)
	SaveRewrite(ctx context.Context, id int64, text string, status domain.RewriteStatus, errText string) error

	ExpiredAwaiting(ctx context.Context, now time.Time) ([]*domain.QueuedMessage, error)
	CloseAwaiting(ctx context.Context, id int64) error

	// Buildable returns not-yet-built rows whose rewrite finished or was
	// skipped and whose awaiting window is closed.
	Buildable(ctx context.Context) ([]*domain.QueuedMessage, error)
}

// PostStore persists finalized posts and their status transitions.
type PostStore interface {
	// Finalize stores the post and retires its queue rows in one atomic
	// step, so a row can never feed two posts.
	Finalize(ctx context.Context, post *domain.Post, queueIDs []int64) error
	// Due returns scheduled posts whose scheduled time elapsed, oldest
	// finalization first.
	Due(ctx context.Context, now time.Time, limit int) ([]*domain.Post, error)
	MarkPosted(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, reason string) error
}

// Rewriter transforms text through the external LLM. Implementations retry
// internally and degrade to marked original text instead of failing.
type Rewriter interface {
	Rewrite(ctx context.Context, text string) (string, error)
}

// ChatClient sends finalized content to the destination channel.
type ChatClient interface {
	SendText(ctx context.Context, chatID int64, text string) error
	// SendMediaGroup resends media by reference; caption may be empty and
	// rides on the first element when present.
	SendMediaGroup(ctx context.Context, chatID int64, media []domain.MediaRef, caption string) error
}
