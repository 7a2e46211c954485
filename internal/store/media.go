package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertMedia stores b and returns its row id.
func (qs *Queries) InsertMedia(ctx context.Context, b *MediaBlob) (int64, error) {
	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO media_blobs (message_id, relationship, data, external_name, thumbnail, thumbnail_external_name)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.MessageID.Row(), b.Relationship, b.Data, b.ExternalName, b.Thumbnail, b.ThumbnailExternalName)
	if err != nil {
		return 0, Classify("insert media", err)
	}
	return res.LastInsertId()
}

// SetMediaExternalNames records where a blob and its thumbnail were written.
func (qs *Queries) SetMediaExternalNames(ctx context.Context, id ObjectID, name, thumbName string) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE media_blobs SET data = NULL, external_name = ?,
			thumbnail = CASE WHEN ? != '' THEN NULL ELSE thumbnail END, thumbnail_external_name = ?
		WHERE id = ?`, name, thumbName, thumbName, id.Row())
	if err != nil {
		return Classify("set media external names", err)
	}
	return requireAffected(res, "set media external names", id)
}

// GetMedia returns a media row by id, or nil.
func (qs *Queries) GetMedia(ctx context.Context, id ObjectID) (*MediaBlob, error) {
	var (
		b          MediaBlob
		row, msgID int64
	)
	err := qs.q.QueryRowContext(ctx, `
		SELECT id, message_id, relationship, data, external_name, thumbnail, thumbnail_external_name
		FROM media_blobs WHERE id = ?`, id.Row()).
		Scan(&row, &msgID, &b.Relationship, &b.Data, &b.ExternalName, &b.Thumbnail, &b.ThumbnailExternalName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get media %s: %w", id, err)
	}
	b.ID = PermanentID(EntityMedia, row)
	b.MessageID = PermanentID(EntityMessage, msgID)
	return &b, nil
}

// ExternalNamesForMessages returns every external file name (blob and
// thumbnail) referenced by media of the given messages.
func (qs *Queries) ExternalNamesForMessages(ctx context.Context, msgs []int64) ([]string, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	query, args := inClause(`
		SELECT external_name, thumbnail_external_name FROM media_blobs
		WHERE message_id IN (%s) ORDER BY id`, msgs)
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("external names: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name, thumb string
		if err := rows.Scan(&name, &thumb); err != nil {
			return nil, err
		}
		if name != "" {
			names = append(names, name)
		}
		if thumb != "" {
			names = append(names, thumb)
		}
	}
	return names, rows.Err()
}

// DeleteMediaForMessages removes the media rows of the given messages.
func (qs *Queries) DeleteMediaForMessages(ctx context.Context, msgs []int64) (int64, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	query, args := inClause(`DELETE FROM media_blobs WHERE message_id IN (%s)`, msgs)
	res, err := qs.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, Classify("delete media", err)
	}
	return res.RowsAffected()
}

// ClearBlobReferences empties the blob reference column of the given
// messages for one media kind.
func (qs *Queries) ClearBlobReferences(ctx context.Context, kind Kind, msgs []int64) error {
	info, ok := MediaKinds[kind]
	if !ok {
		return fmt.Errorf("clear blob references: %q is not a media kind", kind)
	}
	if len(msgs) == 0 {
		return nil
	}
	query, args := inClause(`UPDATE messages SET `+info.BlobColumn+` = '', thumbnail_blob_id = '' WHERE id IN (%s)`, msgs)
	if _, err := qs.q.ExecContext(ctx, query, args...); err != nil {
		return Classify("clear blob references", err)
	}
	return nil
}

// ExternalNamesAfter returns the external file names of up to limit media
// rows with after < id <= upTo, in id order, and the id of the last row
// read. A short page ends the range. Paging by id is unaffected by rows
// deleted between calls.
func (qs *Queries) ExternalNamesAfter(ctx context.Context, after, upTo int64, limit int) (names []string, last int64, n int, err error) {
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, external_name, thumbnail_external_name FROM media_blobs
		WHERE id > ? AND id <= ? AND (external_name != '' OR thumbnail_external_name != '')
		ORDER BY id LIMIT ?`, after, upTo, limit)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("external names after %d: %w", after, err)
	}
	defer func() { _ = rows.Close() }()

	last = after
	for rows.Next() {
		var name, thumb string
		if err := rows.Scan(&last, &name, &thumb); err != nil {
			return nil, 0, 0, err
		}
		n++
		if name != "" {
			names = append(names, name)
		}
		if thumb != "" {
			names = append(names, thumb)
		}
	}
	return names, last, n, rows.Err()
}

// ExternalMediaRange returns the number of media rows with external files
// and the highest such id.
func (qs *Queries) ExternalMediaRange(ctx context.Context) (count int, maxID int64, err error) {
	err = qs.q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(id), 0) FROM media_blobs
		WHERE external_name != '' OR thumbnail_external_name != ''`).Scan(&count, &maxID)
	if err != nil {
		return 0, 0, fmt.Errorf("external media range: %w", err)
	}
	return count, maxID, nil
}
