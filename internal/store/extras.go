package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveDraft inserts or replaces the draft of a conversation.
func (qs *Queries) SaveDraft(ctx context.Context, d *Draft) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO drafts (conversation_id, text, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at`,
		d.ConversationID.Row(), d.Text, d.UpdatedAt.UnixMilli())
	return Classify("save draft", err)
}

// GetDraft returns the draft of a conversation, or nil.
func (qs *Queries) GetDraft(ctx context.Context, conv ObjectID) (*Draft, error) {
	var (
		d  Draft
		at int64
	)
	err := qs.q.QueryRowContext(ctx, `SELECT text, updated_at FROM drafts WHERE conversation_id = ?`, conv.Row()).
		Scan(&d.Text, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get draft: %w", err)
	}
	d.ConversationID = conv
	d.UpdatedAt = time.UnixMilli(at)
	return &d, nil
}

// SaveDisplayState inserts or replaces the display state of a conversation.
func (qs *Queries) SaveDisplayState(ctx context.Context, s *DisplayState) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO display_states (conversation_id, scroll_position, wallpaper) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			scroll_position = excluded.scroll_position,
			wallpaper = excluded.wallpaper`,
		s.ConversationID.Row(), s.ScrollPosition, s.Wallpaper)
	return Classify("save display state", err)
}

// DeleteConversationExtras removes the draft and display state of a conversation.
func (qs *Queries) DeleteConversationExtras(ctx context.Context, conv ObjectID) error {
	if _, err := qs.q.ExecContext(ctx, `DELETE FROM drafts WHERE conversation_id = ?`, conv.Row()); err != nil {
		return Classify("delete draft", err)
	}
	if _, err := qs.q.ExecContext(ctx, `DELETE FROM display_states WHERE conversation_id = ?`, conv.Row()); err != nil {
		return Classify("delete display state", err)
	}
	return nil
}

// AddReaction stores a reaction to a message.
func (qs *Queries) AddReaction(ctx context.Context, r *Reaction) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO reactions (message_id, contact_id, emoji, created_at) VALUES (?, ?, ?, ?)`,
		r.MessageID.Row(), nullRow(r.ContactID), r.Emoji, r.CreatedAt.UnixMilli())
	return Classify("add reaction", err)
}

// AddEditHistory records the previous text of an edited message.
func (qs *Queries) AddEditHistory(ctx context.Context, e *EditHistoryEntry) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO edit_history (message_id, text, edited_at) VALUES (?, ?, ?)`,
		e.MessageID.Row(), e.Text, e.EditedAt.UnixMilli())
	return Classify("add edit history", err)
}

// CountMessageHistory returns the number of reactions and edit history
// entries attached to a message.
func (qs *Queries) CountMessageHistory(ctx context.Context, msg ObjectID) (reactions, edits int, err error) {
	err = qs.q.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM reactions WHERE message_id = ?),
		       (SELECT COUNT(*) FROM edit_history WHERE message_id = ?)`, msg.Row(), msg.Row()).
		Scan(&reactions, &edits)
	if err != nil {
		return 0, 0, fmt.Errorf("count message history: %w", err)
	}
	return reactions, edits, nil
}

// DeleteMessageHistory removes reactions and edit history of a message.
func (qs *Queries) DeleteMessageHistory(ctx context.Context, msg ObjectID) error {
	if _, err := qs.q.ExecContext(ctx, `DELETE FROM reactions WHERE message_id = ?`, msg.Row()); err != nil {
		return Classify("delete reactions", err)
	}
	if _, err := qs.q.ExecContext(ctx, `DELETE FROM edit_history WHERE message_id = ?`, msg.Row()); err != nil {
		return Classify("delete edit history", err)
	}
	return nil
}
