package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MessageColumns is the select list understood by ScanMessage. Queries
// must alias the messages table as m.
const MessageColumns = `m.id, m.conversation_id, m.sender_id, m.remote_id, m.kind, m.text, m.caption,
	m.filename, m.mime_type, m.blob_id, m.thumbnail_blob_id, m.latitude, m.longitude,
	m.poi_name, m.poi_address, m.system_type, m.ballot_id, m.date, m.remote_sent_date,
	m.is_own, m.sent, m.delivered, m.read, m.user_ack, m.rejected, m.starred,
	m.state, m.deleted_at, m.last_edited_at, m.will_be_deleted`

// OrderKey is the total order of messages: local date (falling back to the
// remote sent date), then remote sent date, then row id.
const OrderKey = `COALESCE(m.date, m.remote_sent_date) %[1]s, m.remote_sent_date %[1]s, m.id %[1]s`

// OrderBy returns the ORDER BY clause body for the given direction.
func OrderBy(ascending bool) string {
	if ascending {
		return fmt.Sprintf(OrderKey, "ASC")
	}
	return fmt.Sprintf(OrderKey, "DESC")
}

// Scanner is implemented by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanMessage scans one row selected with MessageColumns.
func ScanMessage(s Scanner) (Message, error) {
	var (
		m                                   Message
		id, convID                          int64
		senderID, ballotID                  sql.NullInt64
		date, remoteSent, deletedAt, edited sql.NullInt64
		kind, state                         string
		text, caption, filename, mime       string
		blobID, thumbID, poiName, poiAddr   string
		lat, lon                            float64
		systemType                          int
	)
	if err := s.Scan(&id, &convID, &senderID, &m.RemoteID, &kind, &text, &caption,
		&filename, &mime, &blobID, &thumbID, &lat, &lon,
		&poiName, &poiAddr, &systemType, &ballotID, &date, &remoteSent,
		&m.IsOwn, &m.Sent, &m.Delivered, &m.Read, &m.UserAck, &m.Rejected, &m.Starred,
		&state, &deletedAt, &edited, &m.WillBeDeleted); err != nil {
		return Message{}, err
	}
	m.ID = PermanentID(EntityMessage, id)
	m.ConversationID = PermanentID(EntityConversation, convID)
	m.SenderID = idFromNull(EntityContact, senderID)
	m.Date = fromMillis(date)
	m.RemoteSentDate = fromMillis(remoteSent)
	m.DeletedAt = fromMillis(deletedAt)
	m.LastEditedAt = fromMillis(edited)
	m.State = ContentState(state)

	switch k := Kind(kind); {
	case k == KindText:
		m.Content = Text{Body: text}
	case k.IsMedia():
		m.Content = Media{MediaKind: k, MIMEType: mime, BlobID: blobID, ThumbnailBlobID: thumbID, Caption: caption, Filename: filename}
	case k == KindLocation:
		m.Content = Location{Latitude: lat, Longitude: lon, POIName: poiName, POIAddress: poiAddr}
	case k == KindSystem:
		m.Content = System{Type: systemType}
	case k == KindBallot:
		m.Content = Ballot{BallotID: idFromNull(EntityBallot, ballotID)}
	default:
		return Message{}, fmt.Errorf("message %d: unknown kind %q", id, kind)
	}
	return m, nil
}

// contentRow flattens a Content into the messages column values.
type contentRow struct {
	kind                              Kind
	text, caption, filename, mime     string
	blobID, thumbID, poiName, poiAddr string
	lat, lon                          float64
	systemType                        int
	ballotID                          any
}

func flatten(c Content) (contentRow, error) {
	switch v := c.(type) {
	case Text:
		return contentRow{kind: KindText, text: v.Body}, nil
	case Media:
		if !v.MediaKind.IsMedia() {
			return contentRow{}, fmt.Errorf("media content with non-media kind %q", v.MediaKind)
		}
		return contentRow{kind: v.MediaKind, caption: v.Caption, filename: v.Filename, mime: v.MIMEType,
			blobID: v.BlobID, thumbID: v.ThumbnailBlobID}, nil
	case Location:
		return contentRow{kind: KindLocation, lat: v.Latitude, lon: v.Longitude, poiName: v.POIName, poiAddr: v.POIAddress}, nil
	case System:
		return contentRow{kind: KindSystem, systemType: v.Type}, nil
	case Ballot:
		return contentRow{kind: KindBallot, ballotID: nullRow(v.BallotID)}, nil
	case nil:
		return contentRow{}, fmt.Errorf("message without content")
	}
	return contentRow{}, fmt.Errorf("unsupported content %T", c)
}

// InsertMessage stores m and returns its row id. All ObjectID fields of m
// must be permanent.
func (qs *Queries) InsertMessage(ctx context.Context, m *Message) (int64, error) {
	c, err := flatten(m.Content)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	state := m.State
	if state == "" {
		state = StateLive
	}
	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, remote_id, kind, text, caption, filename, mime_type,
			blob_id, thumbnail_blob_id, latitude, longitude, poi_name, poi_address, system_type, ballot_id,
			date, remote_sent_date, is_own, sent, delivered, read, user_ack, rejected, starred,
			state, deleted_at, last_edited_at, will_be_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID.Row(), nullRow(m.SenderID), m.RemoteID, string(c.kind), c.text, c.caption, c.filename, c.mime,
		c.blobID, c.thumbID, c.lat, c.lon, c.poiName, c.poiAddr, c.systemType, c.ballotID,
		toMillis(m.Date), toMillis(m.RemoteSentDate), m.IsOwn, m.Sent, m.Delivered, m.Read, m.UserAck, m.Rejected, m.Starred,
		string(state), toMillis(m.DeletedAt), toMillis(m.LastEditedAt), m.WillBeDeleted)
	if err != nil {
		return 0, Classify("insert message", err)
	}
	return res.LastInsertId()
}

// UpdateMessage rewrites every mutable column of a stored message.
func (qs *Queries) UpdateMessage(ctx context.Context, m *Message) error {
	c, err := flatten(m.Content)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	res, err := qs.q.ExecContext(ctx, `
		UPDATE messages SET sender_id = ?, remote_id = ?, kind = ?, text = ?, caption = ?, filename = ?, mime_type = ?,
			blob_id = ?, thumbnail_blob_id = ?, latitude = ?, longitude = ?, poi_name = ?, poi_address = ?,
			system_type = ?, ballot_id = ?, date = ?, remote_sent_date = ?, is_own = ?, sent = ?, delivered = ?,
			read = ?, user_ack = ?, rejected = ?, starred = ?, state = ?, deleted_at = ?, last_edited_at = ?,
			will_be_deleted = ?
		WHERE id = ?`,
		nullRow(m.SenderID), m.RemoteID, string(c.kind), c.text, c.caption, c.filename, c.mime,
		c.blobID, c.thumbID, c.lat, c.lon, c.poiName, c.poiAddr,
		c.systemType, c.ballotID, toMillis(m.Date), toMillis(m.RemoteSentDate), m.IsOwn, m.Sent, m.Delivered,
		m.Read, m.UserAck, m.Rejected, m.Starred, string(m.State), toMillis(m.DeletedAt), toMillis(m.LastEditedAt),
		m.WillBeDeleted, m.ID.Row())
	if err != nil {
		return Classify("update message", err)
	}
	return requireAffected(res, "update message", m.ID)
}

// GetMessage returns a message by id, or nil if it does not exist.
func (qs *Queries) GetMessage(ctx context.Context, id ObjectID) (*Message, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+MessageColumns+` FROM messages m WHERE m.id = ?`, id.Row())
	m, err := ScanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return &m, nil
}

// GetMessageByRemoteID returns the message with the given remote id in a
// conversation, or nil.
func (qs *Queries) GetMessageByRemoteID(ctx context.Context, conv ObjectID, remoteID string) (*Message, error) {
	row := qs.q.QueryRowContext(ctx, `SELECT `+MessageColumns+` FROM messages m
		WHERE m.conversation_id = ? AND m.remote_id = ?`, conv.Row(), remoteID)
	m, err := ScanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message %q: %w", remoteID, err)
	}
	return &m, nil
}

// DeleteMessage removes a single message row. Media rows must be gone and
// no conversation may reference it as last message.
func (qs *Queries) DeleteMessage(ctx context.Context, id ObjectID) error {
	res, err := qs.q.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id.Row())
	if err != nil {
		return Classify("delete message", err)
	}
	return requireAffected(res, "delete message", id)
}

// DeleteMessages removes message rows in bulk and returns how many were
// removed. The same integrity rules as DeleteMessage apply to every row.
func (qs *Queries) DeleteMessages(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args := inClause(`DELETE FROM messages WHERE id IN (%s)`, ids)
	res, err := qs.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, Classify("delete messages", err)
	}
	return res.RowsAffected()
}

// MarkSentByRemoteID flags an own message as sent.
func (qs *Queries) MarkSentByRemoteID(ctx context.Context, remoteID string) (ObjectID, error) {
	var id int64
	err := qs.q.QueryRowContext(ctx, `
		UPDATE messages SET sent = 1 WHERE remote_id = ? AND is_own = 1 RETURNING id`, remoteID).Scan(&id)
	if err == sql.ErrNoRows {
		return ObjectID{}, fmt.Errorf("mark sent %q: %w", remoteID, ErrNotFound)
	}
	if err != nil {
		return ObjectID{}, fmt.Errorf("mark sent %q: %w", remoteID, err)
	}
	return PermanentID(EntityMessage, id), nil
}

// ClearMessageContent empties every content column of a message and marks
// it wiped. The kind is kept.
func (qs *Queries) ClearMessageContent(ctx context.Context, id ObjectID, at time.Time) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE messages SET text = '', caption = '', filename = '', blob_id = '', thumbnail_blob_id = '',
			latitude = 0, longitude = 0, poi_name = '', poi_address = '', last_edited_at = NULL,
			state = ?, deleted_at = COALESCE(deleted_at, ?)
		WHERE id = ?`, string(StateWiped), at.UnixMilli(), id.Row())
	if err != nil {
		return Classify("clear message content", err)
	}
	return requireAffected(res, "clear message content", id)
}

func requireAffected(res sql.Result, op string, id ObjectID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	return nil
}

// SetMessageMIME fills in the MIME type of a media message.
func (qs *Queries) SetMessageMIME(ctx context.Context, id ObjectID, mime string) error {
	res, err := qs.q.ExecContext(ctx, `UPDATE messages SET mime_type = ? WHERE id = ?`, mime, id.Row())
	if err != nil {
		return Classify("set message mime", err)
	}
	return requireAffected(res, "set message mime", id)
}
