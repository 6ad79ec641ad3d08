package domain

import "time"

// PostStatus enumerates the publication lifecycle.
type PostStatus string

const (
	PostScheduled PostStatus = "scheduled"
	PostPosted    PostStatus = "posted"
	PostFailed    PostStatus = "failed"
)

// Post is a finalized, publish-ready unit. Everything except the status
// fields is immutable after creation; the publisher owns status transitions.
type Post struct {
	ID       int64
	GroupID  string
	SourceID int64

	FinalText string
	Media     []MediaRef

	Status      PostStatus
	ScheduledAt time.Time
	PostedAt    time.Time
	PostError   string

	CreatedAt time.Time
}
