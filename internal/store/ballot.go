package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertBallot stores b and returns its row id.
func (qs *Queries) InsertBallot(ctx context.Context, b *BallotRecord) (int64, error) {
	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO ballots (conversation_id, title, closed) VALUES (?, ?, ?)`,
		b.ConversationID.Row(), b.Title, b.Closed)
	if err != nil {
		return 0, Classify("insert ballot", err)
	}
	return res.LastInsertId()
}

// CloseBallot marks a ballot closed.
func (qs *Queries) CloseBallot(ctx context.Context, id ObjectID) error {
	res, err := qs.q.ExecContext(ctx, `UPDATE ballots SET closed = 1 WHERE id = ?`, id.Row())
	if err != nil {
		return Classify("close ballot", err)
	}
	return requireAffected(res, "close ballot", id)
}

// GetBallot returns a ballot by id, or nil.
func (qs *Queries) GetBallot(ctx context.Context, id ObjectID) (*BallotRecord, error) {
	var (
		b         BallotRecord
		row, conv int64
	)
	err := qs.q.QueryRowContext(ctx, `SELECT id, conversation_id, title, closed FROM ballots WHERE id = ?`, id.Row()).
		Scan(&row, &conv, &b.Title, &b.Closed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ballot %s: %w", id, err)
	}
	b.ID = PermanentID(EntityBallot, row)
	b.ConversationID = PermanentID(EntityConversation, conv)
	return &b, nil
}

// DeleteBallotsForConversation removes the ballots of a conversation. Its
// messages must already be gone.
func (qs *Queries) DeleteBallotsForConversation(ctx context.Context, conv ObjectID) error {
	if _, err := qs.q.ExecContext(ctx, `DELETE FROM ballots WHERE conversation_id = ?`, conv.Row()); err != nil {
		return Classify("delete ballots", err)
	}
	return nil
}
