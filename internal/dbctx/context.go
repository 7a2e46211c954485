package dbctx

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/msgstore/internal/bus"
	"github.com/matheus3301/msgstore/internal/media"
	"github.com/matheus3301/msgstore/internal/store"
	"go.uber.org/zap"
)

// Context is a unit of work. It is only used from inside a body passed to
// Manager.Perform, on the goroutine of its queue.
type Context struct {
	m    *Manager
	role Role
	q    *queue

	tx *sql.Tx
	qs *store.Queries

	// provisional maps IDs handed out by inserts to their rows.
	provisional map[store.ObjectID]int64
	inserted    []store.ObjectID
	updated     []store.ObjectID
	deleted     []store.ObjectID
	seen        map[store.ObjectID]bool
	written     []string
	// fields are the ID fields of inserted records, rewritten on save.
	fields []idField
}

type idField struct {
	id  store.ObjectID
	ptr *store.ObjectID
}

func newContext(m *Manager, role Role, q *queue) *Context {
	return &Context{m: m, role: role, q: q}
}

// Role reports whether c is the primary or a derived context.
func (c *Context) Role() Role {
	return c.role
}

func (c *Context) performAndSave(ctx context.Context, body func(*Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.Rollback()
			err = fmt.Errorf("%s context body panicked: %v", c.role, r)
		}
	}()
	if err := body(c); err != nil {
		c.Rollback()
		return err
	}
	return c.Save(ctx)
}

// Queries returns statements bound to the context's transaction, opening
// it on first use. Reads through it see the context's own writes.
func (c *Context) Queries(ctx context.Context) (*store.Queries, error) {
	if c.tx != nil {
		return c.qs, nil
	}
	tx, err := c.m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	c.tx = tx
	c.qs = store.NewQueries(tx)
	c.provisional = make(map[store.ObjectID]int64)
	c.seen = make(map[store.ObjectID]bool)
	return c.qs, nil
}

// HasChanges reports whether the context holds unsaved work.
func (c *Context) HasChanges() bool {
	return c.tx != nil && (len(c.inserted) > 0 || len(c.updated) > 0 || len(c.deleted) > 0)
}

// Permanent resolves a provisional ID handed out by this context or by an
// earlier save. Zero and permanent IDs are returned unchanged.
func (c *Context) Permanent(id store.ObjectID) (store.ObjectID, error) {
	if !id.IsProvisional() {
		return id, nil
	}
	if row, ok := c.provisional[id]; ok {
		return store.PermanentID(id.Entity, row), nil
	}
	if perm, ok := c.m.resolved.Lookup(id); ok {
		return perm, nil
	}
	return store.ObjectID{}, fmt.Errorf("provisional id %s is not known to this context", id)
}

// insertedRow hands out a provisional ID for row and stores it in field.
// Save replaces it with the permanent ID.
func (c *Context) insertedRow(e store.Entity, row int64, field *store.ObjectID) store.ObjectID {
	id := store.ProvisionalID(e)
	c.provisional[id] = row
	c.inserted = append(c.inserted, id)
	c.seen[store.PermanentID(e, row)] = true
	*field = id
	c.fields = append(c.fields, idField{id: id, ptr: field})
	return id
}

// MarkUpdated records ids as updated for the change notification.
func (c *Context) MarkUpdated(ids ...store.ObjectID) {
	if c.seen == nil {
		c.seen = make(map[store.ObjectID]bool)
	}
	for _, id := range ids {
		perm, err := c.Permanent(id)
		if err != nil || perm.IsZero() || c.seen[perm] {
			continue
		}
		c.seen[perm] = true
		c.updated = append(c.updated, perm)
	}
}

// MarkDeleted records ids as deleted for the change notification.
func (c *Context) MarkDeleted(ids ...store.ObjectID) {
	for _, id := range ids {
		perm, err := c.Permanent(id)
		if err != nil || perm.IsZero() {
			continue
		}
		c.deleted = append(c.deleted, perm)
	}
}

// InsertContact stores a contact and returns its provisional ID.
func (c *Context) InsertContact(ctx context.Context, ct *store.Contact) (store.ObjectID, error) {
	qs, err := c.Queries(ctx)
	if err != nil {
		return store.ObjectID{}, err
	}
	row, err := qs.InsertContact(ctx, ct)
	if err != nil {
		return store.ObjectID{}, err
	}
	return c.insertedRow(store.EntityContact, row, &ct.ID), nil
}

// InsertGroup stores a group and returns its provisional ID.
func (c *Context) InsertGroup(ctx context.Context, g *store.Group) (store.ObjectID, error) {
	qs, err := c.Queries(ctx)
	if err != nil {
		return store.ObjectID{}, err
	}
	stored := *g
	stored.Members = make([]store.ObjectID, len(g.Members))
	for i, member := range g.Members {
		if stored.Members[i], err = c.Permanent(member); err != nil {
			return store.ObjectID{}, err
		}
	}
	row, err := qs.InsertGroup(ctx, &stored)
	if err != nil {
		return store.ObjectID{}, err
	}
	return c.insertedRow(store.EntityGroup, row, &g.ID), nil
}

// InsertConversation stores a conversation and returns its provisional ID.
func (c *Context) InsertConversation(ctx context.Context, conv *store.Conversation) (store.ObjectID, error) {
	qs, err := c.Queries(ctx)
	if err != nil {
		return store.ObjectID{}, err
	}
	stored := *conv
	if stored.ContactID, err = c.Permanent(conv.ContactID); err != nil {
		return store.ObjectID{}, err
	}
	if stored.GroupID, err = c.Permanent(conv.GroupID); err != nil {
		return store.ObjectID{}, err
	}
	row, err := qs.InsertConversation(ctx, &stored)
	if err != nil {
		return store.ObjectID{}, err
	}
	return c.insertedRow(store.EntityConversation, row, &conv.ID), nil
}

// InsertBallot stores a ballot and returns its provisional ID.
func (c *Context) InsertBallot(ctx context.Context, b *store.BallotRecord) (store.ObjectID, error) {
	qs, err := c.Queries(ctx)
	if err != nil {
		return store.ObjectID{}, err
	}
	stored := *b
	if stored.ConversationID, err = c.Permanent(b.ConversationID); err != nil {
		return store.ObjectID{}, err
	}
	row, err := qs.InsertBallot(ctx, &stored)
	if err != nil {
		return store.ObjectID{}, err
	}
	return c.insertedRow(store.EntityBallot, row, &b.ID), nil
}

func (c *Context) resolveMessage(m *store.Message) (store.Message, error) {
	stored := *m
	var err error
	if stored.ID, err = c.Permanent(m.ID); err != nil {
		return stored, err
	}
	if stored.ConversationID, err = c.Permanent(m.ConversationID); err != nil {
		return stored, err
	}
	if stored.SenderID, err = c.Permanent(m.SenderID); err != nil {
		return stored, err
	}
	if b, ok := m.Content.(store.Ballot); ok {
		if b.BallotID, err = c.Permanent(b.BallotID); err != nil {
			return stored, err
		}
		stored.Content = b
	}
	return stored, nil
}

// InsertMessage stores a message and returns its provisional ID.
func (c *Context) InsertMessage(ctx context.Context, m *store.Message) (store.ObjectID, error) {
	qs, err := c.Queries(ctx)
	if err != nil {
		return store.ObjectID{}, err
	}
	stored, err := c.resolveMessage(m)
	if err != nil {
		return store.ObjectID{}, err
	}
	row, err := qs.InsertMessage(ctx, &stored)
	if err != nil {
		return store.ObjectID{}, err
	}
	return c.insertedRow(store.EntityMessage, row, &m.ID), nil
}

// UpdateMessage rewrites a stored message.
func (c *Context) UpdateMessage(ctx context.Context, m *store.Message) error {
	qs, err := c.Queries(ctx)
	if err != nil {
		return err
	}
	stored, err := c.resolveMessage(m)
	if err != nil {
		return err
	}
	if err := qs.UpdateMessage(ctx, &stored); err != nil {
		return err
	}
	c.MarkUpdated(stored.ID)
	return nil
}

// UpdateConversation rewrites a stored conversation.
func (c *Context) UpdateConversation(ctx context.Context, conv *store.Conversation) error {
	qs, err := c.Queries(ctx)
	if err != nil {
		return err
	}
	stored := *conv
	for _, f := range []*store.ObjectID{&stored.ID, &stored.ContactID, &stored.GroupID, &stored.LastMessageID} {
		if *f, err = c.Permanent(*f); err != nil {
			return err
		}
	}
	if err := qs.UpdateConversation(ctx, &stored); err != nil {
		return err
	}
	c.MarkUpdated(stored.ID)
	return nil
}

// UpdateContact rewrites a stored contact.
func (c *Context) UpdateContact(ctx context.Context, ct *store.Contact) error {
	qs, err := c.Queries(ctx)
	if err != nil {
		return err
	}
	stored := *ct
	if stored.ID, err = c.Permanent(ct.ID); err != nil {
		return err
	}
	if err := qs.UpdateContact(ctx, &stored); err != nil {
		return err
	}
	c.MarkUpdated(stored.ID)
	return nil
}

// DeleteMessage removes a single message. Its media must be gone and no
// conversation may still point at it; use the destroyer for cascades.
func (c *Context) DeleteMessage(ctx context.Context, id store.ObjectID) error {
	qs, err := c.Queries(ctx)
	if err != nil {
		return err
	}
	perm, err := c.Permanent(id)
	if err != nil {
		return err
	}
	if err := qs.DeleteMessage(ctx, perm); err != nil {
		return err
	}
	c.MarkDeleted(perm)
	return nil
}

// InsertMedia stores a media blob for a media message and returns its
// provisional ID. Blobs above the directory threshold are written to the
// media directory. A message without MIME type gets one sniffed from the
// blob.
func (c *Context) InsertMedia(ctx context.Context, b *store.MediaBlob) (store.ObjectID, error) {
	qs, err := c.Queries(ctx)
	if err != nil {
		return store.ObjectID{}, err
	}
	msgID, err := c.Permanent(b.MessageID)
	if err != nil {
		return store.ObjectID{}, err
	}
	msg, err := qs.GetMessage(ctx, msgID)
	if err != nil {
		return store.ObjectID{}, err
	}
	if msg == nil {
		return store.ObjectID{}, fmt.Errorf("insert media for %s: %w", msgID, store.ErrNotFound)
	}
	content, ok := msg.Content.(store.Media)
	if !ok {
		return store.ObjectID{}, fmt.Errorf("insert media for %s: message kind %q has no media", msgID, msg.Kind())
	}

	stored := *b
	stored.MessageID = msgID
	if stored.Relationship == "" {
		stored.Relationship = store.MediaKinds[content.MediaKind].Relationship
	}
	row, err := qs.InsertMedia(ctx, &stored)
	if err != nil {
		return store.ObjectID{}, err
	}
	if err := c.externalize(ctx, qs, row, &stored); err != nil {
		return store.ObjectID{}, err
	}

	if content.MIMEType == "" && len(b.Data) > 0 {
		if err := qs.SetMessageMIME(ctx, msgID, media.DetectMIME(b.Data)); err != nil {
			return store.ObjectID{}, err
		}
		c.MarkUpdated(msgID)
	}
	return c.insertedRow(store.EntityMedia, row, &b.ID), nil
}

func (c *Context) externalize(ctx context.Context, qs *store.Queries, row int64, b *store.MediaBlob) error {
	dir := c.m.media
	if dir == nil {
		return nil
	}
	var name, thumbName string
	if dir.Externalize(len(b.Data)) {
		name = media.FileName(b.Relationship, row)
		if err := dir.Write(name, b.Data); err != nil {
			return err
		}
		c.written = append(c.written, name)
	}
	if len(b.Thumbnail) > 0 && dir.Externalize(len(b.Thumbnail)) {
		thumbName = media.ThumbnailName(b.Relationship, row)
		if err := dir.Write(thumbName, b.Thumbnail); err != nil {
			return err
		}
		c.written = append(c.written, thumbName)
	}
	if name == "" && thumbName == "" {
		return nil
	}
	if name == "" {
		// Small blob stays inline; only the thumbnail moved out.
		_, err := qs.Querier().ExecContext(ctx, `
			UPDATE media_blobs SET thumbnail = NULL, thumbnail_external_name = ? WHERE id = ?`, thumbName, row)
		return store.Classify("set thumbnail external name", err)
	}
	return qs.SetMediaExternalNames(ctx, store.PermanentID(store.EntityMedia, row), name, thumbName)
}

// Rollback discards the context's unsaved work, including media files it
// wrote.
func (c *Context) Rollback() {
	if c.tx != nil {
		_ = c.tx.Rollback()
	}
	if len(c.written) > 0 && c.m.media != nil {
		if _, err := c.m.media.Remove(c.written...); err != nil {
			c.m.logger.Warn("failed to remove media of rolled back context", zap.Error(err))
		}
	}
	c.reset()
}

func (c *Context) reset() {
	c.tx = nil
	c.qs = nil
	c.provisional = nil
	c.inserted = nil
	c.updated = nil
	c.deleted = nil
	c.seen = nil
	c.written = nil
	c.fields = nil
}

// Save makes provisional IDs permanent, runs the remap hooks, commits and,
// for a derived context, commits the primary context after it. After the
// commit the ID fields of inserted records hold their permanent IDs and
// the provisional ones stay resolvable through the manager. A failed
// commit is fatal.
func (c *Context) Save(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	start := time.Now()

	remap := make(map[store.ObjectID]store.ObjectID, len(c.provisional))
	for id, row := range c.provisional {
		remap[id] = store.PermanentID(id.Entity, row)
	}
	if len(remap) > 0 {
		c.m.runRemapHooks(remap)
	}

	changed := bus.ObjectsChanged{Updated: c.updated, Deleted: c.deleted}
	for _, id := range c.inserted {
		changed.Inserted = append(changed.Inserted, remap[id])
	}

	if err := c.tx.Commit(); err != nil {
		err = fmt.Errorf("%s context commit: %w", c.role, err)
		c.record(start, err)
		c.m.commitFailed(c, err)
		c.reset()
		return err
	}
	c.m.resolved.Add(remap)
	for _, f := range c.fields {
		if *f.ptr == f.id {
			*f.ptr = remap[f.id]
		}
	}
	c.reset()

	if c.role == Derived {
		if err := c.m.commitPrimary(ctx); err != nil {
			err = fmt.Errorf("primary context commit: %w", err)
			c.record(start, err)
			c.m.logger.Error("commit failed", zap.Error(err))
			c.m.fatal(err)
			return err
		}
	}
	c.record(start, nil)
	c.m.publish(changed)
	return nil
}

func (c *Context) record(start time.Time, err error) {
	if c.m.recorder != nil {
		c.m.recorder.ObserveSave(c.role.String(), time.Since(start), err)
	}
}

func (c *Context) logChanges(log func(string, ...zap.Field), msg string, err error) {
	inserted := make([]store.ObjectID, 0, len(c.inserted))
	for _, id := range c.inserted {
		perm, _ := c.Permanent(id)
		inserted = append(inserted, perm)
	}
	log(msg,
		zap.Error(err),
		zap.Stringer("role", c.role),
		zap.Stringers("inserted", inserted),
		zap.Stringers("updated", c.updated),
		zap.Stringers("deleted", c.deleted),
	)
}
