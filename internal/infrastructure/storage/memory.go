package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"ChannelRelay/internal/domain"
	"ChannelRelay/internal/ports"
)

// Memory keeps the whole pipeline state in process. It backs tests and
// deployments that explicitly waive restart survivability.
type Memory struct {
	mu sync.Mutex

	sources map[int64]domain.Source
	seen    map[[2]int64]time.Time

	queue       []*domain.QueuedMessage
	nextQueueID int64

	posts      []*domain.Post
	nextPostID int64
}

var (
	_ ports.SourceRegistry = (*Memory)(nil)
	_ ports.DedupStore     = (*Memory)(nil)
	_ ports.MessageQueue   = (*Memory)(nil)
	_ ports.PostStore      = (*Memory)(nil)
)

// EnsureSchema is a no-op; the store lives entirely in process.
func (m *Memory) EnsureSchema(context.Context) error { return nil }

// NewMemory builds an empty store.
func NewMemory() *Memory {
	return &Memory{
		sources:     map[int64]domain.Source{},
		seen:        map[[2]int64]time.Time{},
		nextQueueID: 1,
		nextPostID:  1,
	}
}

// ----- SourceRegistry -----

// FindActive returns the active source for chatID, or nil.
func (m *Memory) FindActive(_ context.Context, chatID int64) (*domain.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sources[chatID]
	if !ok || !src.Active {
		return nil, nil
	}
	copied := src
	return &copied, nil
}

// Upsert inserts or refreshes a source.
func (m *Memory) Upsert(_ context.Context, src domain.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sources[src.ChatID]; ok && src.AddedAt.IsZero() {
		src.AddedAt = existing.AddedAt
	} else if src.AddedAt.IsZero() {
		src.AddedAt = time.Now()
	}
	m.sources[src.ChatID] = src
	return nil
}

// Deactivate flips the active flag.
func (m *Memory) Deactivate(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if src, ok := m.sources[chatID]; ok {
		src.Active = false
		m.sources[chatID] = src
	}
	return nil
}

// List returns every source, oldest first.
func (m *Memory) List(_ context.Context) ([]domain.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Source, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out, nil
}

// ----- DedupStore -----

// Seen reports whether the pair was already ingested.
func (m *Memory) Seen(_ context.Context, sourceID, messageID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.seen[[2]int64{sourceID, messageID}]
	return ok, nil
}

// MarkSeen records the pair; duplicate marks are no-ops.
func (m *Memory) MarkSeen(_ context.Context, sourceID, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]int64{sourceID, messageID}
	if _, ok := m.seen[key]; !ok {
		m.seen[key] = time.Now()
	}
	return nil
}

// ----- MessageQueue -----

func (m *Memory) find(id int64) *domain.QueuedMessage {
	for _, msg := range m.queue {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// Enqueue inserts the row; duplicates are no-ops.
func (m *Memory) Enqueue(_ context.Context, msg *domain.QueuedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.queue {
		if existing.SourceID == msg.SourceID && existing.MessageID == msg.MessageID {
			return nil
		}
	}

	copied := *msg
	copied.ID = m.nextQueueID
	m.nextQueueID++
	m.queue = append(m.queue, &copied)
	msg.ID = copied.ID
	return nil
}

// AwaitingMedia finds the newest lone media still waiting for its caption.
func (m *Memory) AwaitingMedia(_ context.Context, sourceID, beforeMessageID int64, now time.Time) (*domain.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *domain.QueuedMessage
	for _, msg := range m.queue {
		if msg.SourceID != sourceID || !msg.AwaitingText {
			continue
		}
		if !msg.AwaitingUntil.After(now) || msg.MessageID >= beforeMessageID {
			continue
		}
		if best == nil || msg.MessageID > best.MessageID {
			best = msg
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

// AttachText glues a late caption onto an existing row.
func (m *Memory) AttachText(_ context.Context, id int64, text string, linkedMessageID int64, status domain.RewriteStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg := m.find(id); msg != nil {
		msg.OriginalText = text
		msg.LinkedMessageID = linkedMessageID
		msg.AwaitingText = false
		msg.RewriteStatus = status
	}
	return nil
}

// RecentAlbumPart finds the newest not-yet-built album row inside the window.
func (m *Memory) RecentAlbumPart(_ context.Context, sourceID int64, cutoff time.Time, beforeMessageID int64) (*domain.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *domain.QueuedMessage
	for _, msg := range m.queue {
		if msg.SourceID != sourceID || msg.GroupID == "" || msg.Ready {
			continue
		}
		if !msg.CollectedAt.After(cutoff) || msg.MessageID >= beforeMessageID {
			continue
		}
		if best == nil || msg.CollectedAt.After(best.CollectedAt) {
			best = msg
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

// AlbumHasText reports whether any part of the album carries text.
func (m *Memory) AlbumHasText(_ context.Context, sourceID int64, groupID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.queue {
		if msg.SourceID == sourceID && msg.GroupID == groupID && msg.OriginalText != "" {
			return true, nil
		}
	}
	return false, nil
}

// FirstAlbumPart returns the album's lowest message id row.
func (m *Memory) FirstAlbumPart(_ context.Context, sourceID int64, groupID string) (*domain.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *domain.QueuedMessage
	for _, msg := range m.queue {
		if msg.SourceID != sourceID || msg.GroupID != groupID || msg.Ready {
			continue
		}
		if best == nil || msg.MessageID < best.MessageID {
			best = msg
		}
	}
	if best == nil {
		return nil, nil
	}
	copied := *best
	return &copied, nil
}

// TouchAlbum resets the last-activity timestamp across the album's rows.
func (m *Memory) TouchAlbum(_ context.Context, sourceID int64, groupID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.queue {
		if msg.SourceID == sourceID && msg.GroupID == groupID && !msg.Ready {
			msg.CollectedAt = now
		}
	}
	return nil
}

// PendingRewrites lists ungrouped rows waiting for the rewrite sweep.
func (m *Memory) PendingRewrites(_ context.Context, limit int) ([]*domain.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.QueuedMessage
	for _, msg := range m.queue {
		if msg.RewriteStatus != domain.RewritePending || msg.GroupID != "" || msg.OriginalText == "" {
			continue
		}
		copied := *msg
		out = append(out, &copied)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// SaveRewrite stores the gateway's output.
func (m *Memory) SaveRewrite(_ context.Context, id int64, text string, status domain.RewriteStatus, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg := m.find(id); msg != nil {
		msg.RewrittenText = text
		msg.RewriteStatus = status
		msg.RewriteError = errText
	}
	return nil
}

// ExpiredAwaiting lists lone media whose caption window passed.
func (m *Memory) ExpiredAwaiting(_ context.Context, now time.Time) ([]*domain.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.QueuedMessage
	for _, msg := range m.queue {
		if msg.AwaitingText && !msg.AwaitingUntil.After(now) {
			copied := *msg
			out = append(out, &copied)
		}
	}
	return out, nil
}

// CloseAwaiting ends the caption window for one row.
func (m *Memory) CloseAwaiting(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg := m.find(id); msg != nil {
		msg.AwaitingText = false
	}
	return nil
}

// Buildable lists rows eligible for post assembly, oldest activity first.
func (m *Memory) Buildable(_ context.Context) ([]*domain.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.QueuedMessage
	for _, msg := range m.queue {
		if msg.Ready || msg.AwaitingText {
			continue
		}
		if msg.RewriteStatus != domain.RewriteDone && msg.RewriteStatus != domain.RewriteSkipped {
			continue
		}
		copied := *msg
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CollectedAt.Equal(out[j].CollectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CollectedAt.Before(out[j].CollectedAt)
	})
	return out, nil
}

// ----- PostStore -----

// Finalize stores the post and retires the consumed queue rows under one
// mutex hold, so a row can never feed two posts.
func (m *Memory) Finalize(_ context.Context, post *domain.Post, queueIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createLocked(post)
	for _, id := range queueIDs {
		if msg := m.find(id); msg != nil {
			msg.Ready = true
		}
	}
	return nil
}

// Create stores a post without touching the queue, for seeding tests.
func (m *Memory) Create(_ context.Context, post *domain.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createLocked(post)
	return nil
}

func (m *Memory) createLocked(post *domain.Post) {
	copied := *post
	copied.ID = m.nextPostID
	copied.Media = append([]domain.MediaRef(nil), post.Media...)
	copied.CreatedAt = time.Now()
	m.nextPostID++
	m.posts = append(m.posts, &copied)
	post.ID = copied.ID
}

// Due returns scheduled posts whose time elapsed, in finalization order.
func (m *Memory) Due(_ context.Context, now time.Time, limit int) ([]*domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Post
	for _, post := range m.posts {
		if post.Status == domain.PostScheduled && !post.ScheduledAt.After(now) {
			copied := *post
			copied.Media = append([]domain.MediaRef(nil), post.Media...)
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkPosted flips the post to posted.
func (m *Memory) MarkPosted(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, post := range m.posts {
		if post.ID == id {
			post.Status = domain.PostPosted
			post.PostedAt = at
		}
	}
	return nil
}

// MarkFailed records the terminal failure.
func (m *Memory) MarkFailed(_ context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, post := range m.posts {
		if post.ID == id {
			post.Status = domain.PostFailed
			post.PostError = reason
		}
	}
	return nil
}

// Posts returns a snapshot of every stored post, for tests and inspection.
func (m *Memory) Posts() []*domain.Post {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Post, 0, len(m.posts))
	for _, post := range m.posts {
		copied := *post
		copied.Media = append([]domain.MediaRef(nil), post.Media...)
		out = append(out, &copied)
	}
	return out
}
