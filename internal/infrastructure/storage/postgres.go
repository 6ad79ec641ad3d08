package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"ChannelRelay/internal/domain"
	"ChannelRelay/internal/ports"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres implements every persistence port over one database handle.
type Postgres struct {
	db *sql.DB
}

var (
	_ ports.SourceRegistry = (*Postgres)(nil)
	_ ports.DedupStore     = (*Postgres)(nil)
	_ ports.MessageQueue   = (*Postgres)(nil)
	_ ports.PostStore      = (*Postgres)(nil)
)

// Open connects to Postgres and pings it.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewPostgres wires a sql.DB implementation.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS sources (
    chat_id    BIGINT PRIMARY KEY,
    username   TEXT NOT NULL DEFAULT '',
    title      TEXT NOT NULL DEFAULT '',
    join_link  TEXT NOT NULL DEFAULT '',
    is_active  BOOLEAN NOT NULL DEFAULT TRUE,
    added_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS seen_messages (
    source_id  BIGINT NOT NULL,
    message_id BIGINT NOT NULL,
    seen_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (source_id, message_id)
);

CREATE TABLE IF NOT EXISTS message_queue (
    id                BIGSERIAL PRIMARY KEY,
    source_id         BIGINT NOT NULL,
    message_id        BIGINT NOT NULL,
    group_id          TEXT NOT NULL DEFAULT '',
    original_text     TEXT NOT NULL DEFAULT '',
    media_kind        TEXT NOT NULL DEFAULT '',
    media_file_id     TEXT NOT NULL DEFAULT '',
    rewritten_text    TEXT NOT NULL DEFAULT '',
    rewrite_status    TEXT NOT NULL DEFAULT 'pending',
    rewrite_error     TEXT NOT NULL DEFAULT '',
    awaiting_text     BOOLEAN NOT NULL DEFAULT FALSE,
    awaiting_until    TIMESTAMPTZ,
    linked_message_id BIGINT NOT NULL DEFAULT 0,
    collected_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    ready             BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (source_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_queue_awaiting ON message_queue (awaiting_text, awaiting_until) WHERE awaiting_text;
CREATE INDEX IF NOT EXISTS idx_queue_group ON message_queue (source_id, group_id) WHERE group_id <> '';
CREATE INDEX IF NOT EXISTS idx_queue_buildable ON message_queue (ready, rewrite_status) WHERE NOT ready;

CREATE TABLE IF NOT EXISTS posts (
    id           BIGSERIAL PRIMARY KEY,
    group_id     TEXT NOT NULL DEFAULT '',
    source_id    BIGINT,
    final_text   TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'scheduled',
    scheduled_at TIMESTAMPTZ,
    posted_at    TIMESTAMPTZ,
    post_error   TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_posts_due ON posts (status, scheduled_at) WHERE status = 'scheduled';

CREATE TABLE IF NOT EXISTS post_media (
    id            BIGSERIAL PRIMARY KEY,
    post_id       BIGINT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    order_num     INT NOT NULL DEFAULT 0,
    media_kind    TEXT NOT NULL,
    media_file_id TEXT NOT NULL
);
`

// EnsureSchema creates the tables when they are absent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ----- SourceRegistry -----

// FindActive returns the active source for chatID, or nil.
func (p *Postgres) FindActive(ctx context.Context, chatID int64) (*domain.Source, error) {
	query, args, err := psql.
		Select("chat_id", "username", "title", "join_link", "is_active", "added_at").
		From("sources").
		Where(sq.Eq{"chat_id": chatID, "is_active": true}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var src domain.Source
	err = p.db.QueryRowContext(ctx, query, args...).Scan(
		&src.ChatID, &src.Username, &src.Title, &src.JoinLink, &src.Active, &src.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query source: %w", err)
	}
	return &src, nil
}

// Upsert inserts or refreshes a source row.
func (p *Postgres) Upsert(ctx context.Context, src domain.Source) error {
	query, args, err := psql.
		Insert("sources").
		Columns("chat_id", "username", "title", "join_link", "is_active").
		Values(src.ChatID, src.Username, src.Title, src.JoinLink, src.Active).
		Suffix(`ON CONFLICT (chat_id) DO UPDATE
            SET username = EXCLUDED.username,
                title = EXCLUDED.title,
                join_link = EXCLUDED.join_link,
                is_active = EXCLUDED.is_active`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}
	return nil
}

// Deactivate flips the active flag; sources are never hard-deleted.
func (p *Postgres) Deactivate(ctx context.Context, chatID int64) error {
	query, args, err := psql.
		Update("sources").
		Set("is_active", false).
		Where(sq.Eq{"chat_id": chatID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deactivate source: %w", err)
	}
	return nil
}

// List returns every source, oldest first.
func (p *Postgres) List(ctx context.Context) ([]domain.Source, error) {
	query, args, err := psql.
		Select("chat_id", "username", "title", "join_link", "is_active", "added_at").
		From("sources").
		OrderBy("added_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var out []domain.Source
	for rows.Next() {
		var src domain.Source
		if err := rows.Scan(&src.ChatID, &src.Username, &src.Title, &src.JoinLink, &src.Active, &src.AddedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// ----- DedupStore -----

// Seen reports whether the pair was already ingested.
func (p *Postgres) Seen(ctx context.Context, sourceID, messageID int64) (bool, error) {
	query, args, err := psql.
		Select("1").
		From("seen_messages").
		Where(sq.Eq{"source_id": sourceID, "message_id": messageID}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	var one int
	err = p.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query seen: %w", err)
	}
	return true, nil
}

// MarkSeen records the pair; duplicate marks are no-ops.
func (p *Postgres) MarkSeen(ctx context.Context, sourceID, messageID int64) error {
	query, args, err := psql.
		Insert("seen_messages").
		Columns("source_id", "message_id").
		Values(sourceID, messageID).
		Suffix("ON CONFLICT DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// ----- MessageQueue -----

var queueColumns = []string{
	"id", "source_id", "message_id", "group_id",
	"original_text", "media_kind", "media_file_id",
	"rewritten_text", "rewrite_status", "rewrite_error",
	"awaiting_text", "awaiting_until", "linked_message_id",
	"collected_at", "ready",
}

func scanQueued(row sq.RowScanner) (*domain.QueuedMessage, error) {
	var (
		msg           domain.QueuedMessage
		awaitingUntil sql.NullTime
	)
	err := row.Scan(
		&msg.ID, &msg.SourceID, &msg.MessageID, &msg.GroupID,
		&msg.OriginalText, &msg.Media.Kind, &msg.Media.FileID,
		&msg.RewrittenText, &msg.RewriteStatus, &msg.RewriteError,
		&msg.AwaitingText, &awaitingUntil, &msg.LinkedMessageID,
		&msg.CollectedAt, &msg.Ready,
	)
	if err != nil {
		return nil, err
	}
	if awaitingUntil.Valid {
		msg.AwaitingUntil = awaitingUntil.Time
	}
	return &msg, nil
}

func (p *Postgres) queryOne(ctx context.Context, builder sq.SelectBuilder) (*domain.QueuedMessage, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	msg, err := scanQueued(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query queue row: %w", err)
	}
	return msg, nil
}

func (p *Postgres) queryMany(ctx context.Context, builder sq.SelectBuilder) ([]*domain.QueuedMessage, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue rows: %w", err)
	}
	defer rows.Close()

	var out []*domain.QueuedMessage
	for rows.Next() {
		msg, err := scanQueued(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// Enqueue inserts the row; a duplicate (source, message) pair is a no-op.
func (p *Postgres) Enqueue(ctx context.Context, msg *domain.QueuedMessage) error {
	var awaitingUntil any
	if !msg.AwaitingUntil.IsZero() {
		awaitingUntil = msg.AwaitingUntil
	}

	query, args, err := psql.
		Insert("message_queue").
		Columns("source_id", "message_id", "group_id",
			"original_text", "media_kind", "media_file_id",
			"rewrite_status", "awaiting_text", "awaiting_until", "collected_at").
		Values(msg.SourceID, msg.MessageID, msg.GroupID,
			msg.OriginalText, msg.Media.Kind, msg.Media.FileID,
			msg.RewriteStatus, msg.AwaitingText, awaitingUntil, msg.CollectedAt).
		Suffix("ON CONFLICT (source_id, message_id) DO NOTHING RETURNING id").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	err = p.db.QueryRowContext(ctx, query, args...).Scan(&msg.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// AwaitingMedia finds the newest lone media still waiting for its caption.
func (p *Postgres) AwaitingMedia(ctx context.Context, sourceID, beforeMessageID int64, now time.Time) (*domain.QueuedMessage, error) {
	return p.queryOne(ctx, psql.
		Select(queueColumns...).
		From("message_queue").
		Where(sq.Eq{"source_id": sourceID, "awaiting_text": true}).
		Where(sq.Gt{"awaiting_until": now}).
		Where(sq.Lt{"message_id": beforeMessageID}).
		OrderBy("message_id DESC").
		Limit(1))
}

// AttachText glues a late caption onto an existing row.
func (p *Postgres) AttachText(ctx context.Context, id int64, text string, linkedMessageID int64, status domain.RewriteStatus) error {
	query, args, err := psql.
		Update("message_queue").
		Set("original_text", text).
		Set("linked_message_id", linkedMessageID).
		Set("awaiting_text", false).
		Set("rewrite_status", status).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("attach text: %w", err)
	}
	return nil
}

// RecentAlbumPart finds the newest not-yet-built album row inside the grace
// window.
func (p *Postgres) RecentAlbumPart(ctx context.Context, sourceID int64, cutoff time.Time, beforeMessageID int64) (*domain.QueuedMessage, error) {
	return p.queryOne(ctx, psql.
		Select(queueColumns...).
		From("message_queue").
		Where(sq.Eq{"source_id": sourceID, "ready": false}).
		Where(sq.NotEq{"group_id": ""}).
		Where(sq.Gt{"collected_at": cutoff}).
		Where(sq.Lt{"message_id": beforeMessageID}).
		OrderBy("collected_at DESC").
		Limit(1))
}

// AlbumHasText reports whether any part of the album already carries text.
func (p *Postgres) AlbumHasText(ctx context.Context, sourceID int64, groupID string) (bool, error) {
	query, args, err := psql.
		Select("1").
		From("message_queue").
		Where(sq.Eq{"source_id": sourceID, "group_id": groupID}).
		Where(sq.NotEq{"original_text": ""}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	var one int
	err = p.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query album text: %w", err)
	}
	return true, nil
}

// FirstAlbumPart returns the album's lowest message id row.
func (p *Postgres) FirstAlbumPart(ctx context.Context, sourceID int64, groupID string) (*domain.QueuedMessage, error) {
	return p.queryOne(ctx, psql.
		Select(queueColumns...).
		From("message_queue").
		Where(sq.Eq{"source_id": sourceID, "group_id": groupID, "ready": false}).
		OrderBy("message_id").
		Limit(1))
}

// TouchAlbum resets the last-activity timestamp across the album's rows.
func (p *Postgres) TouchAlbum(ctx context.Context, sourceID int64, groupID string, now time.Time) error {
	query, args, err := psql.
		Update("message_queue").
		Set("collected_at", now).
		Where(sq.Eq{"source_id": sourceID, "group_id": groupID, "ready": false}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("touch album: %w", err)
	}
	return nil
}

// PendingRewrites lists ungrouped rows waiting for the rewrite sweep.
func (p *Postgres) PendingRewrites(ctx context.Context, limit int) ([]*domain.QueuedMessage, error) {
	return p.queryMany(ctx, psql.
		Select(queueColumns...).
		From("message_queue").
		Where(sq.Eq{"rewrite_status": domain.RewritePending, "group_id": ""}).
		Where(sq.NotEq{"original_text": ""}).
		OrderBy("id").
		Limit(uint64(limit)))
}

// SaveRewrite stores the gateway's output.
func (p *Postgres) SaveRewrite(ctx context.Context, id int64, text string, status domain.RewriteStatus, errText string) error {
	query, args, err := psql.
		Update("message_queue").
		Set("rewritten_text", text).
		Set("rewrite_status", status).
		Set("rewrite_error", errText).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save rewrite: %w", err)
	}
	return nil
}

// ExpiredAwaiting lists lone media whose caption window passed.
func (p *Postgres) ExpiredAwaiting(ctx context.Context, now time.Time) ([]*domain.QueuedMessage, error) {
	return p.queryMany(ctx, psql.
		Select(queueColumns...).
		From("message_queue").
		Where(sq.Eq{"awaiting_text": true}).
		Where(sq.LtOrEq{"awaiting_until": now}).
		OrderBy("id"))
}

// CloseAwaiting ends the caption window for one row.
func (p *Postgres) CloseAwaiting(ctx context.Context, id int64) error {
	query, args, err := psql.
		Update("message_queue").
		Set("awaiting_text", false).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("close awaiting: %w", err)
	}
	return nil
}

// Buildable lists rows eligible for post assembly, oldest activity first.
func (p *Postgres) Buildable(ctx context.Context) ([]*domain.QueuedMessage, error) {
	return p.queryMany(ctx, psql.
		Select(queueColumns...).
		From("message_queue").
		Where(sq.Eq{
			"ready":          false,
			"awaiting_text":  false,
			"rewrite_status": []domain.RewriteStatus{domain.RewriteDone, domain.RewriteSkipped},
		}).
		OrderBy("collected_at", "id"))
}

// ----- PostStore -----

// Finalize inserts the post with its ordered media and retires the consumed
// queue rows in one transaction, so a partial failure can never leave rows
// buildable next to an already created post.
func (p *Postgres) Finalize(ctx context.Context, post *domain.Post, queueIDs []int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query, args, err := psql.
		Insert("posts").
		Columns("group_id", "source_id", "final_text", "status", "scheduled_at").
		Values(post.GroupID, post.SourceID, post.FinalText, post.Status, post.ScheduledAt).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&post.ID, &post.CreatedAt); err != nil {
		return fmt.Errorf("insert post: %w", err)
	}

	for i, ref := range post.Media {
		query, args, err := psql.
			Insert("post_media").
			Columns("post_id", "order_num", "media_kind", "media_file_id").
			Values(post.ID, i, ref.Kind, ref.FileID).
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert post media: %w", err)
		}
	}

	if len(queueIDs) > 0 {
		query, args, err := psql.
			Update("message_queue").
			Set("ready", true).
			Where(sq.Eq{"id": queueIDs}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("mark rows ready: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Due returns scheduled posts whose time elapsed, in finalization order.
func (p *Postgres) Due(ctx context.Context, now time.Time, limit int) ([]*domain.Post, error) {
	query, args, err := psql.
		Select("id", "group_id", "source_id", "final_text", "status",
			"scheduled_at", "post_error", "created_at").
		From("posts").
		Where(sq.Eq{"status": domain.PostScheduled}).
		Where(sq.LtOrEq{"scheduled_at": now}).
		OrderBy("scheduled_at", "id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query due posts: %w", err)
	}
	defer rows.Close()

	var (
		out  []*domain.Post
		byID = map[int64]*domain.Post{}
		ids  []int64
	)
	for rows.Next() {
		var (
			post        domain.Post
			sourceID    sql.NullInt64
			scheduledAt sql.NullTime
		)
		if err := rows.Scan(&post.ID, &post.GroupID, &sourceID, &post.FinalText,
			&post.Status, &scheduledAt, &post.PostError, &post.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		post.SourceID = sourceID.Int64
		if scheduledAt.Valid {
			post.ScheduledAt = scheduledAt.Time
		}
		out = append(out, &post)
		byID[post.ID] = &post
		ids = append(ids, post.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	mediaRows, err := p.db.QueryContext(ctx,
		`SELECT post_id, media_kind, media_file_id FROM post_media
         WHERE post_id = ANY($1) ORDER BY post_id, order_num`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query post media: %w", err)
	}
	defer mediaRows.Close()

	for mediaRows.Next() {
		var (
			postID int64
			ref    domain.MediaRef
		)
		if err := mediaRows.Scan(&postID, &ref.Kind, &ref.FileID); err != nil {
			return nil, fmt.Errorf("scan post media: %w", err)
		}
		if post, ok := byID[postID]; ok {
			post.Media = append(post.Media, ref)
		}
	}
	if err := mediaRows.Err(); err != nil {
		return nil, fmt.Errorf("media rows iteration: %w", err)
	}
	return out, nil
}

// MarkPosted flips the post to posted.
func (p *Postgres) MarkPosted(ctx context.Context, id int64, at time.Time) error {
	query, args, err := psql.
		Update("posts").
		Set("status", domain.PostPosted).
		Set("posted_at", at).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark posted: %w", err)
	}
	return nil
}

// MarkFailed records the terminal failure for operator follow-up.
func (p *Postgres) MarkFailed(ctx context.Context, id int64, reason string) error {
	query, args, err := psql.
		Update("posts").
		Set("status", domain.PostFailed).
		Set("post_error", reason).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}
