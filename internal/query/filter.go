// Package query builds message queries that share one filter language and
// one ordering.
package query

import (
	"strings"
	"time"

	"github.com/matheus3301/msgstore/internal/store"
)

// Filter selects messages. The zero value matches every message; methods
// narrow it and return the receiver for chaining.
type Filter struct {
	conv               store.ObjectID
	sender             store.ObjectID
	kinds              []store.Kind
	olderThan          *time.Time
	after              *time.Time
	unread             bool
	rejected           bool
	mediaOnly          bool
	withMedia          bool
	starred            *bool
	excludeOpenBallots bool
	systemTypes        []int
	visibleOnly        bool
}

// NewFilter returns an empty filter.
func NewFilter() *Filter {
	return &Filter{}
}

func (f *Filter) ForConversation(id store.ObjectID) *Filter { f.conv = id; return f }
func (f *Filter) FromSender(id store.ObjectID) *Filter      { f.sender = id; return f }
func (f *Filter) Kinds(kinds ...store.Kind) *Filter         { f.kinds = kinds; return f }
func (f *Filter) Unread() *Filter                           { f.unread = true; return f }
func (f *Filter) Rejected() *Filter                         { f.rejected = true; return f }
func (f *Filter) MediaOnly() *Filter                        { f.mediaOnly = true; return f }
func (f *Filter) ExcludeOpenBallots() *Filter               { f.excludeOpenBallots = true; return f }

// WithMedia keeps messages that still own at least one media row.
func (f *Filter) WithMedia() *Filter { f.withMedia = true; return f }

// OlderThan keeps messages whose date is strictly before t.
func (f *Filter) OlderThan(t time.Time) *Filter { f.olderThan = &t; return f }

// After keeps messages whose date is strictly after t.
func (f *Filter) After(t time.Time) *Filter { f.after = &t; return f }

// Starred keeps messages whose starred flag equals v.
func (f *Filter) Starred(v bool) *Filter { f.starred = &v; return f }

// SystemTypes keeps system messages of the given types.
func (f *Filter) SystemTypes(types ...int) *Filter { f.systemTypes = types; return f }

// Visible drops messages already marked for deletion.
func (f *Filter) Visible() *Filter { f.visibleOnly = true; return f }

const dateExpr = `COALESCE(m.date, m.remote_sent_date)`

// Where compiles the filter into a WHERE clause (empty when the filter
// matches everything) and its arguments.
func (f *Filter) Where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if !f.conv.IsZero() {
		conds = append(conds, `m.conversation_id = ?`)
		args = append(args, f.conv.Row())
	}
	if !f.sender.IsZero() {
		conds = append(conds, `m.sender_id = ?`)
		args = append(args, f.sender.Row())
	}
	if len(f.kinds) > 0 {
		conds = append(conds, `m.kind IN (`+marks(len(f.kinds))+`)`)
		for _, k := range f.kinds {
			args = append(args, string(k))
		}
	}
	if f.mediaOnly {
		conds = append(conds, `m.kind IN (`+marks(len(store.MediaKindOrder))+`)`)
		for _, k := range store.MediaKindOrder {
			args = append(args, string(k))
		}
	}
	if f.withMedia {
		conds = append(conds, `EXISTS (SELECT 1 FROM media_blobs mb WHERE mb.message_id = m.id)`)
	}
	if f.olderThan != nil {
		conds = append(conds, dateExpr+` < ?`)
		args = append(args, f.olderThan.UnixMilli())
	}
	if f.after != nil {
		conds = append(conds, dateExpr+` > ?`)
		args = append(args, f.after.UnixMilli())
	}
	if f.unread {
		conds = append(conds, `m.is_own = 0 AND m.read = 0`)
	}
	if f.rejected {
		conds = append(conds, `m.rejected = 1`)
	}
	if f.starred != nil {
		conds = append(conds, `m.starred = ?`)
		args = append(args, *f.starred)
	}
	if f.excludeOpenBallots {
		conds = append(conds, `NOT EXISTS (SELECT 1 FROM ballots b WHERE b.id = m.ballot_id AND b.closed = 0)`)
	}
	if len(f.systemTypes) > 0 {
		conds = append(conds, `m.kind = 'system' AND m.system_type IN (`+marks(len(f.systemTypes))+`)`)
		for _, t := range f.systemTypes {
			args = append(args, t)
		}
	}
	if f.visibleOnly {
		conds = append(conds, `m.will_be_deleted = 0`)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// SelectIDs returns a query for the ids of matching messages in order,
// limited to limit rows when limit > 0.
func (f *Filter) SelectIDs(limit int) (string, []any) {
	where, args := f.Where()
	q := `SELECT m.id FROM messages m ` + where + ` ORDER BY ` + store.OrderBy(true)
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return q, args
}

func marks(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
