// Package destroy removes messages, media, conversations and contacts
// without leaving dangling references or unreferenced media files.
package destroy

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/msgstore/internal/bus"
	"github.com/matheus3301/msgstore/internal/dbctx"
	"github.com/matheus3301/msgstore/internal/query"
	"github.com/matheus3301/msgstore/internal/store"
	"go.uber.org/zap"
)

// DefaultBatchSize is how many messages one deletion transaction handles.
const DefaultBatchSize = 200

// DeletionRecorder observes removed records.
type DeletionRecorder interface {
	ObserveDeleted(what string, n int)
}

// Option configures a Destroyer.
type Option func(*Destroyer)

// WithBatchSize sets the chunk size of bulk deletions.
func WithBatchSize(n int) Option {
	return func(d *Destroyer) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithRecorder sets a recorder for deletion counts.
func WithRecorder(r DeletionRecorder) Option {
	return func(d *Destroyer) { d.recorder = r }
}

// Destroyer is the only component that deletes messages and their media
// files in bulk.
type Destroyer struct {
	m         *dbctx.Manager
	logger    *zap.Logger
	batchSize int
	recorder  DeletionRecorder
}

// New returns a Destroyer working through m.
func New(m *dbctx.Manager, logger *zap.Logger, opts ...Option) *Destroyer {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Destroyer{m: m, logger: logger, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Criteria selects messages for DeleteMessages. Zero fields do not
// restrict the selection.
type Criteria struct {
	OlderThan    *time.Time
	Conversation store.ObjectID
	Sender       store.ObjectID
	// Retention spares open ballots and starred messages.
	Retention bool
}

func (c Criteria) filter() *query.Filter {
	f := query.NewFilter()
	if c.OlderThan != nil {
		f.OlderThan(*c.OlderThan)
	}
	if !c.Conversation.IsZero() {
		f.ForConversation(c.Conversation)
	}
	if !c.Sender.IsZero() {
		f.FromSender(c.Sender)
	}
	if c.Retention {
		f.ExcludeOpenBallots().Starred(false)
	}
	return f
}

func selectIDs(ctx context.Context, q store.Querier, f *query.Filter, limit int) ([]int64, error) {
	sqlText, args := f.SelectIDs(limit)
	rows, err := q.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func messageIDs(rows []int64) []store.ObjectID {
	ids := make([]store.ObjectID, len(rows))
	for i, r := range rows {
		ids[i] = store.PermanentID(store.EntityMessage, r)
	}
	return ids
}

// DeleteMessages removes every message matching c in chunks of the batch
// size, one transaction per chunk. Conversations pointing at a removed
// message lose their last-message reference in the same transaction.
// Media files of removed messages are deleted after each commit.
// Cancellation is checked between chunks; the count of messages removed
// so far is returned with the error.
func (d *Destroyer) DeleteMessages(ctx context.Context, c Criteria) (int, error) {
	var total int
	for {
		if err := ctx.Err(); err != nil {
			d.finishBatch(c, total)
			return total, err
		}

		var (
			n     int
			names []string
		)
		err := d.m.Perform(ctx, dbctx.BackgroundMode, func(dc *dbctx.Context) error {
			qs, err := dc.Queries(ctx)
			if err != nil {
				return err
			}
			ids, err := selectIDs(ctx, qs.Querier(), c.filter(), d.batchSize)
			if err != nil || len(ids) == 0 {
				return err
			}
			convs, err := qs.ClearLastMessageRefs(ctx, ids)
			if err != nil {
				return err
			}
			if names, err = qs.ExternalNamesForMessages(ctx, ids); err != nil {
				return err
			}
			if _, err := qs.DeleteMediaForMessages(ctx, ids); err != nil {
				return err
			}
			removed, err := qs.DeleteMessages(ctx, ids)
			if err != nil {
				return err
			}
			n = int(removed)
			dc.MarkUpdated(convs...)
			dc.MarkDeleted(messageIDs(ids)...)
			return nil
		})
		if err != nil {
			d.finishBatch(c, total)
			return total, err
		}
		d.removeFiles(names)
		total += n
		if n < d.batchSize {
			break
		}
	}
	d.finishBatch(c, total)
	return total, nil
}

func (d *Destroyer) finishBatch(c Criteria, n int) {
	if n == 0 {
		return
	}
	d.record("messages", n)
	d.logger.Info("messages deleted",
		zap.Int("count", n),
		zap.Stringer("conversation", c.Conversation),
		zap.Bool("retention", c.Retention))

	evt := bus.Event{Kind: bus.KindBatchDeletedOld, Payload: bus.BatchDeleted{Count: n}}
	if !c.Conversation.IsZero() && c.OlderThan == nil {
		evt = bus.Event{Kind: bus.KindBatchDeletedConversation, Payload: bus.BatchDeleted{Conversation: c.Conversation, Count: n}}
	}
	d.m.Bus().Publish(evt)
}

// DeleteMediaOlderThan drops the media of media messages dated before
// olderThan (all of them when nil), optionally in one conversation. The
// messages stay, with their blob references cleared so the media is not
// fetched again. It returns the number of affected messages.
func (d *Destroyer) DeleteMediaOlderThan(ctx context.Context, olderThan *time.Time, conv *store.ObjectID) (int, error) {
	var total int
	for _, kind := range store.MediaKindOrder {
		f := query.NewFilter().Kinds(kind).WithMedia()
		if olderThan != nil {
			f.OlderThan(*olderThan)
		}
		if conv != nil && !conv.IsZero() {
			f.ForConversation(*conv)
		}

		for {
			if err := ctx.Err(); err != nil {
				d.record("media", total)
				return total, err
			}
			var (
				ids   []int64
				names []string
			)
			err := d.m.Perform(ctx, dbctx.BackgroundMode, func(dc *dbctx.Context) error {
				qs, err := dc.Queries(ctx)
				if err != nil {
					return err
				}
				if ids, err = selectIDs(ctx, qs.Querier(), f, d.batchSize); err != nil || len(ids) == 0 {
					return err
				}
				if names, err = qs.ExternalNamesForMessages(ctx, ids); err != nil {
					return err
				}
				if _, err := qs.DeleteMediaForMessages(ctx, ids); err != nil {
					return err
				}
				if err := qs.ClearBlobReferences(ctx, kind, ids); err != nil {
					return err
				}
				dc.MarkUpdated(messageIDs(ids)...)
				return nil
			})
			if err != nil {
				d.record("media", total)
				return total, fmt.Errorf("delete %s media: %w", kind, err)
			}
			d.removeFiles(names)
			total += len(ids)
			if len(ids) < d.batchSize {
				break
			}
		}
	}
	d.record("media", total)
	if total > 0 {
		d.logger.Info("media deleted", zap.Int("messages", total))
	}
	return total, nil
}

// DeleteMessageContent wipes a message in place: its content, media,
// reactions and edit history are removed and it becomes a tombstone.
// Wiping a wiped message changes nothing.
func (d *Destroyer) DeleteMessageContent(ctx context.Context, id store.ObjectID) error {
	var names []string
	err := d.m.Perform(ctx, dbctx.ForegroundMode, func(dc *dbctx.Context) error {
		qs, err := dc.Queries(ctx)
		if err != nil {
			return err
		}
		msg, err := qs.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if msg == nil {
			return fmt.Errorf("wipe message %s: %w", id, store.ErrNotFound)
		}
		if msg.State == store.StateWiped {
			return nil
		}
		rows := []int64{id.Row()}
		if names, err = qs.ExternalNamesForMessages(ctx, rows); err != nil {
			return err
		}
		if _, err := qs.DeleteMediaForMessages(ctx, rows); err != nil {
			return err
		}
		if err := qs.DeleteMessageHistory(ctx, id); err != nil {
			return err
		}
		if err := qs.ClearMessageContent(ctx, id, time.Now()); err != nil {
			return err
		}
		dc.MarkUpdated(id)
		return nil
	})
	if err != nil {
		return err
	}
	d.removeFiles(names)
	return nil
}

// DeleteConversation removes a conversation with all its messages,
// ballots, draft and display state.
func (d *Destroyer) DeleteConversation(ctx context.Context, id store.ObjectID) error {
	n, err := d.DeleteMessages(ctx, Criteria{Conversation: id})
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	err = d.m.Perform(ctx, dbctx.ForegroundMode, func(dc *dbctx.Context) error {
		qs, err := dc.Queries(ctx)
		if err != nil {
			return err
		}
		if err := qs.DeleteBallotsForConversation(ctx, id); err != nil {
			return err
		}
		if err := qs.DeleteConversationExtras(ctx, id); err != nil {
			return err
		}
		if err := qs.DeleteConversation(ctx, id); err != nil {
			return err
		}
		dc.MarkDeleted(id)
		return nil
	})
	if err != nil {
		return err
	}
	d.record("conversations", 1)
	d.logger.Info("conversation deleted", zap.Stringer("conversation", id), zap.Int("messages", n))
	return nil
}

// DeleteContact removes the contact's one-to-one conversations, the
// messages it sent to groups and finally the contact.
func (d *Destroyer) DeleteContact(ctx context.Context, id store.ObjectID) error {
	convs, err := d.m.DB().Queries().ConversationsForContact(ctx, id)
	if err != nil {
		return err
	}
	for _, c := range convs {
		if err := d.DeleteConversation(ctx, c.ID); err != nil {
			return err
		}
	}
	if _, err := d.DeleteMessages(ctx, Criteria{Sender: id}); err != nil {
		return fmt.Errorf("delete messages of contact %s: %w", id, err)
	}
	err = d.m.Perform(ctx, dbctx.ForegroundMode, func(dc *dbctx.Context) error {
		qs, err := dc.Queries(ctx)
		if err != nil {
			return err
		}
		if err := qs.DeleteContact(ctx, id); err != nil {
			return err
		}
		dc.MarkDeleted(id)
		return nil
	})
	if err != nil {
		return err
	}
	d.record("contacts", 1)
	d.logger.Info("contact deleted", zap.Stringer("contact", id), zap.Int("conversations", len(convs)))
	return nil
}

func (d *Destroyer) removeFiles(names []string) {
	dir := d.m.MediaDir()
	if dir == nil || len(names) == 0 {
		return
	}
	n, err := dir.Remove(names...)
	if err != nil {
		d.logger.Warn("failed to remove media files", zap.Error(err), zap.Strings("files", names))
	}
	d.record("files", n)
}

func (d *Destroyer) record(what string, n int) {
	if d.recorder != nil && n > 0 {
		d.recorder.ObserveDeleted(what, n)
	}
}
