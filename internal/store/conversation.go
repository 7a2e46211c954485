package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const conversationColumns = `id, contact_id, group_id, category, visibility, last_message_id, last_update`

func scanConversation(s Scanner) (Conversation, error) {
	var (
		c                             Conversation
		id                            int64
		contactID, groupID, lastMsgID sql.NullInt64
		lastUpdate                    sql.NullInt64
	)
	if err := s.Scan(&id, &contactID, &groupID, &c.Category, &c.Visibility, &lastMsgID, &lastUpdate); err != nil {
		return Conversation{}, err
	}
	c.ID = PermanentID(EntityConversation, id)
	c.ContactID = idFromNull(EntityContact, contactID)
	c.GroupID = idFromNull(EntityGroup, groupID)
	c.LastMessageID = idFromNull(EntityMessage, lastMsgID)
	c.LastUpdate = fromMillis(lastUpdate)
	return c, nil
}

// InsertConversation stores c and returns its row id. A new conversation
// cannot carry a last message yet.
func (qs *Queries) InsertConversation(ctx context.Context, c *Conversation) (int64, error) {
	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO conversations (contact_id, group_id, category, visibility, last_message_id, last_update)
		VALUES (?, ?, ?, ?, ?, ?)`,
		nullRow(c.ContactID), nullRow(c.GroupID), c.Category, c.Visibility, nullRow(c.LastMessageID), toMillis(c.LastUpdate))
	if err != nil {
		return 0, Classify("insert conversation", err)
	}
	return res.LastInsertId()
}

// UpdateConversation rewrites the mutable columns of a conversation.
func (qs *Queries) UpdateConversation(ctx context.Context, c *Conversation) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE conversations SET contact_id = ?, group_id = ?, category = ?, visibility = ?,
			last_message_id = ?, last_update = ?
		WHERE id = ?`,
		nullRow(c.ContactID), nullRow(c.GroupID), c.Category, c.Visibility,
		nullRow(c.LastMessageID), toMillis(c.LastUpdate), c.ID.Row())
	if err != nil {
		return Classify("update conversation", err)
	}
	return requireAffected(res, "update conversation", c.ID)
}

// SetLastMessage points a conversation at its newest message.
func (qs *Queries) SetLastMessage(ctx context.Context, conv, msg ObjectID, at time.Time) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE conversations SET last_message_id = ?, last_update = ? WHERE id = ?`,
		nullRow(msg), at.UnixMilli(), conv.Row())
	if err != nil {
		return Classify("set last message", err)
	}
	return requireAffected(res, "set last message", conv)
}

// ClearLastMessageRefs nulls last_message_id on every conversation that
// points at one of msgs. It returns the affected conversation ids.
func (qs *Queries) ClearLastMessageRefs(ctx context.Context, msgs []int64) ([]ObjectID, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	query, args := inClause(`UPDATE conversations SET last_message_id = NULL WHERE last_message_id IN (%s) RETURNING id`, msgs)
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Classify("clear last message refs", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []ObjectID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, PermanentID(EntityConversation, id))
	}
	return ids, rows.Err()
}

// GetConversation returns a conversation by id, or nil.
func (qs *Queries) GetConversation(ctx context.Context, id ObjectID) (*Conversation, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id.Row())
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &c, nil
}

// ConversationsForContact returns the 1:1 conversations of a contact.
func (qs *Queries) ConversationsForContact(ctx context.Context, contact ObjectID) ([]Conversation, error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE contact_id = ? AND group_id IS NULL ORDER BY id`, contact.Row())
	if err != nil {
		return nil, fmt.Errorf("conversations for contact: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// DeleteConversation removes a conversation row. The store refuses when
// messages remain.
func (qs *Queries) DeleteConversation(ctx context.Context, id ObjectID) error {
	res, err := qs.q.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id.Row())
	if err != nil {
		return Classify("delete conversation", err)
	}
	return requireAffected(res, "delete conversation", id)
}

// LatestMessageID returns the newest message of a conversation, or the
// zero ObjectID when it has none.
func (qs *Queries) LatestMessageID(ctx context.Context, conv ObjectID) (ObjectID, error) {
	var id int64
	err := qs.q.QueryRowContext(ctx, `
		SELECT m.id FROM messages m WHERE m.conversation_id = ?
		ORDER BY `+OrderBy(false)+` LIMIT 1`, conv.Row()).Scan(&id)
	if err == sql.ErrNoRows {
		return ObjectID{}, nil
	}
	if err != nil {
		return ObjectID{}, fmt.Errorf("latest message: %w", err)
	}
	return PermanentID(EntityMessage, id), nil
}

// ConversationForGroup returns the conversation of a group, or nil.
func (qs *Queries) ConversationForGroup(ctx context.Context, group ObjectID) (*Conversation, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE group_id = ?`, group.Row())
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation for group %s: %w", group, err)
	}
	return &c, nil
}
