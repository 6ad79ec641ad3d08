package domain

import "time"

// Source is a monitored channel or group we collect messages from.
type Source struct {
	ChatID   int64
	Username string
	Title    string
	JoinLink string
	Active   bool
	AddedAt  time.Time
}
