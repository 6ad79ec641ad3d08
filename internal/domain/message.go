package domain

import (
	"strings"
	"time"
)

// MediaKind enumerates the media types we can resend by reference.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// MediaRef is an opaque handle to a platform-hosted media object. The file id
// is sufficient to resend the media without ever downloading the bytes.
type MediaRef struct {
	Kind   MediaKind
	FileID string
}

// IsZero reports whether the reference points at nothing.
func (m MediaRef) IsZero() bool {
	return m.FileID == ""
}

// IncomingItem is one raw event from a source: a message that may carry text,
// media, both, or neither, and may be part of a multi-message album.
type IncomingItem struct {
	SourceID   int64
	MessageID  int64
	GroupID    string
	Text       string
	Media      MediaRef
	ReceivedAt time.Time
}

// HasText reports whether the item carries non-blank text.
func (i IncomingItem) HasText() bool {
	return strings.TrimSpace(i.Text) != ""
}

// HasMedia reports whether the item carries a media reference.
func (i IncomingItem) HasMedia() bool {
	return !i.Media.IsZero()
}

// Grouped reports whether the item belongs to an album.
func (i IncomingItem) Grouped() bool {
	return i.GroupID != ""
}

// RewriteStatus tracks the LLM rewrite lifecycle of a queued message.
type RewriteStatus string

const (
	RewritePending RewriteStatus = "pending"
	RewriteDone    RewriteStatus = "done"
	RewriteSkipped RewriteStatus = "skipped"
	RewriteFailed  RewriteStatus = "failed"
)

// QueuedMessage is the persisted merge state for one ingested message. Albums
// are several rows sharing a GroupID; a lone media row may sit with
// AwaitingText set while the grace window for its caption is open.
type QueuedMessage struct {
	ID        int64
	SourceID  int64
	MessageID int64
	GroupID   string

	OriginalText string
	Media        MediaRef

	RewrittenText string
	RewriteStatus RewriteStatus
	RewriteError  string

	AwaitingText  bool
	AwaitingUntil time.Time

	// LinkedMessageID records the separate text message whose caption was
	// glued onto this row, if any.
	LinkedMessageID int64

	CollectedAt time.Time
	Ready       bool
}

// HasMedia reports whether the row carries a media reference.
func (m QueuedMessage) HasMedia() bool {
	return !m.Media.IsZero()
}
