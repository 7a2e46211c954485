package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/msgstore/internal/store"
	"go.uber.org/zap"
)

// DefaultLookback is how many of the newest messages LastDisplayMessage
// inspects before falling back to the newest one.
const DefaultLookback = 10

// Fetcher reads the messages of one conversation. Read failures are logged
// and reported as empty results.
type Fetcher struct {
	q         store.Querier
	conv      store.ObjectID
	logger    *zap.Logger
	ascending bool
	lookback  int
	excluded  map[int]bool
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// Descending orders results newest first.
func Descending() FetcherOption {
	return func(f *Fetcher) { f.ascending = false }
}

// WithExcludedSystemTypes sets the system message types LastDisplayMessage skips.
func WithExcludedSystemTypes(types []int) FetcherOption {
	return func(f *Fetcher) {
		f.excluded = make(map[int]bool, len(types))
		for _, t := range types {
			f.excluded[t] = true
		}
	}
}

// WithLookback sets how far LastDisplayMessage looks back.
func WithLookback(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.lookback = n
		}
	}
}

// NewFetcher returns a Fetcher for conversation conv, oldest first.
func NewFetcher(q store.Querier, conv store.ObjectID, logger *zap.Logger, opts ...FetcherOption) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		q:         q,
		conv:      conv,
		logger:    logger.With(zap.Stringer("conversation", conv)),
		ascending: true,
		lookback:  DefaultLookback,
		excluded:  map[int]bool{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Conversation returns the conversation the fetcher reads.
func (f *Fetcher) Conversation() store.ObjectID {
	return f.conv
}

func (f *Fetcher) base() *Filter {
	return NewFilter().ForConversation(f.conv).Visible()
}

func (f *Fetcher) count(ctx context.Context, filter *Filter) int {
	where, args := filter.Where()
	var n int
	if err := f.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages m `+where, args...).Scan(&n); err != nil {
		f.logger.Warn("failed to count messages", zap.Error(err))
		return 0
	}
	return n
}

// Count returns the number of messages in the conversation.
func (f *Fetcher) Count(ctx context.Context) int {
	return f.count(ctx, f.base())
}

// CountAfter returns the number of messages dated strictly after t.
func (f *Fetcher) CountAfter(ctx context.Context, t time.Time) int {
	return f.count(ctx, f.base().After(t))
}

// CountAfterAsync is CountAfter delivered on a channel.
func (f *Fetcher) CountAfterAsync(ctx context.Context, t time.Time) <-chan int {
	result := make(chan int, 1)
	go func() {
		result <- f.CountAfter(ctx, t)
	}()
	return result
}

func (f *Fetcher) list(ctx context.Context, filter *Filter, ascending bool, offset, limit int) []store.Message {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		// SQLite treats a negative limit as no limit.
		limit = -1
	}
	where, args := filter.Where()
	args = append(args, limit, offset)
	rows, err := f.q.QueryContext(ctx, `SELECT `+store.MessageColumns+` FROM messages m `+where+
		` ORDER BY `+store.OrderBy(ascending)+` LIMIT ? OFFSET ?`, args...)
	if err != nil {
		f.logger.Warn("failed to fetch messages", zap.Error(err))
		return nil
	}
	defer func() { _ = rows.Close() }()

	var msgs []store.Message
	for rows.Next() {
		m, err := store.ScanMessage(rows)
		if err != nil {
			f.logger.Warn("failed to scan message", zap.Error(err))
			return nil
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		f.logger.Warn("failed to fetch messages", zap.Error(err))
		return nil
	}
	return msgs
}

// Messages returns up to limit messages starting at offset in fetcher
// order. A limit of 0 returns everything from offset on; an offset past
// the end returns nothing.
func (f *Fetcher) Messages(ctx context.Context, offset, limit int) []store.Message {
	return f.list(ctx, f.base(), f.ascending, offset, limit)
}

// Unread returns up to limit unread incoming messages, newest first.
func (f *Fetcher) Unread(ctx context.Context, limit int) []store.Message {
	return f.list(ctx, f.base().Unread(), false, 0, limit)
}

// Rejected returns the messages the recipient rejected.
func (f *Fetcher) Rejected(ctx context.Context) []store.Message {
	return f.list(ctx, f.base().Rejected(), f.ascending, 0, 0)
}

// Media returns all media messages.
func (f *Fetcher) Media(ctx context.Context) []store.Message {
	return f.list(ctx, f.base().MediaOnly(), f.ascending, 0, 0)
}

// LastDisplayMessage returns the newest message that is not an excluded
// system message, looking back a bounded number of messages. When every
// inspected message is excluded the newest message is returned. It
// returns nil for an empty conversation.
func (f *Fetcher) LastDisplayMessage(ctx context.Context) *store.Message {
	recent := f.list(ctx, f.base(), false, 0, f.lookback)
	if len(recent) == 0 {
		return nil
	}
	for i := range recent {
		if sys, ok := recent[i].Content.(store.System); ok && f.excluded[sys.Type] {
			continue
		}
		return &recent[i]
	}
	return &recent[0]
}

// IsDelivered reports whether the own message with the given remote id was
// delivered.
func (f *Fetcher) IsDelivered(ctx context.Context, remoteID string) bool {
	var delivered bool
	err := f.q.QueryRowContext(ctx, `
		SELECT delivered FROM messages WHERE conversation_id = ? AND remote_id = ?`, f.conv.Row(), remoteID).
		Scan(&delivered)
	if err != nil && err != sql.ErrNoRows {
		f.logger.Warn("failed to read delivery state", zap.Error(err), zap.String("remote_id", remoteID))
	}
	return delivered
}

// OldestMessageDate returns the date of the oldest message, or nil.
func (f *Fetcher) OldestMessageDate(ctx context.Context) *time.Time {
	oldest := f.list(ctx, f.base(), true, 0, 1)
	if len(oldest) == 0 {
		return nil
	}
	d := oldest[0].SortDate()
	return &d
}

// SearchOptions narrows Search.
type SearchOptions struct {
	Text        string
	From, To    *time.Time
	Scope       store.ObjectID
	StarredOnly bool
	Limit       int
}

// Search finds messages whose text, caption, location or ballot title
// contains opts.Text, newest first. Private conversations are never searched.
func Search(ctx context.Context, q store.Querier, opts SearchOptions) ([]store.Message, error) {
	if strings.TrimSpace(opts.Text) == "" {
		return nil, nil
	}
	pattern := "%" + escapeLike(opts.Text) + "%"
	query := `SELECT ` + store.MessageColumns + ` FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		LEFT JOIN ballots b ON b.id = m.ballot_id
		WHERE c.category != ? AND m.will_be_deleted = 0 AND (
			m.text LIKE ? ESCAPE '\' OR m.caption LIKE ? ESCAPE '\' OR
			m.poi_name LIKE ? ESCAPE '\' OR m.poi_address LIKE ? ESCAPE '\' OR
			b.title LIKE ? ESCAPE '\')`
	args := []any{store.CategoryPrivate, pattern, pattern, pattern, pattern, pattern}
	if !opts.Scope.IsZero() {
		query += ` AND m.conversation_id = ?`
		args = append(args, opts.Scope.Row())
	}
	if opts.From != nil {
		query += ` AND ` + dateExpr + ` >= ?`
		args = append(args, opts.From.UnixMilli())
	}
	if opts.To != nil {
		query += ` AND ` + dateExpr + ` <= ?`
		args = append(args, opts.To.UnixMilli())
	}
	if opts.StarredOnly {
		query += ` AND m.starred = 1`
	}
	query += ` ORDER BY ` + store.OrderBy(false)
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []store.Message
	for rows.Next() {
		m, err := store.ScanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
