package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertContact stores c and returns its row id.
func (qs *Queries) InsertContact(ctx context.Context, c *Contact) (int64, error) {
	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO contacts (identity, display_name) VALUES (?, ?)`, c.Identity, c.DisplayName)
	if err != nil {
		return 0, Classify("insert contact", err)
	}
	return res.LastInsertId()
}

// UpdateContact rewrites the display name of a contact.
func (qs *Queries) UpdateContact(ctx context.Context, c *Contact) error {
	res, err := qs.q.ExecContext(ctx, `UPDATE contacts SET display_name = ? WHERE id = ?`, c.DisplayName, c.ID.Row())
	if err != nil {
		return Classify("update contact", err)
	}
	return requireAffected(res, "update contact", c.ID)
}

// GetContact returns a contact by id, or nil.
func (qs *Queries) GetContact(ctx context.Context, id ObjectID) (*Contact, error) {
	var (
		c   Contact
		row int64
	)
	err := qs.q.QueryRowContext(ctx, `SELECT id, identity, display_name FROM contacts WHERE id = ?`, id.Row()).
		Scan(&row, &c.Identity, &c.DisplayName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %s: %w", id, err)
	}
	c.ID = PermanentID(EntityContact, row)
	return &c, nil
}

// GetContactByIdentity returns the contact with the given identity, or nil.
func (qs *Queries) GetContactByIdentity(ctx context.Context, identity string) (*Contact, error) {
	var (
		c   Contact
		row int64
	)
	err := qs.q.QueryRowContext(ctx, `SELECT id, identity, display_name FROM contacts WHERE identity = ?`, identity).
		Scan(&row, &c.Identity, &c.DisplayName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %q: %w", identity, err)
	}
	c.ID = PermanentID(EntityContact, row)
	return &c, nil
}

// DeleteContact removes a contact row and its group memberships.
func (qs *Queries) DeleteContact(ctx context.Context, id ObjectID) error {
	res, err := qs.q.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id.Row())
	if err != nil {
		return Classify("delete contact", err)
	}
	return requireAffected(res, "delete contact", id)
}

// InsertGroup stores g with its members and returns its row id.
func (qs *Queries) InsertGroup(ctx context.Context, g *Group) (int64, error) {
	res, err := qs.q.ExecContext(ctx, `INSERT INTO groups (group_key, name) VALUES (?, ?)`, g.GroupKey, g.Name)
	if err != nil {
		return 0, Classify("insert group", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, member := range g.Members {
		if _, err := qs.q.ExecContext(ctx, `
			INSERT INTO group_members (group_id, contact_id) VALUES (?, ?)`, id, member.Row()); err != nil {
			return 0, Classify("insert group member", err)
		}
	}
	return id, nil
}

// GetGroup returns a group with its members, or nil.
func (qs *Queries) GetGroup(ctx context.Context, id ObjectID) (*Group, error) {
	var (
		g   Group
		row int64
	)
	err := qs.q.QueryRowContext(ctx, `SELECT id, group_key, name FROM groups WHERE id = ?`, id.Row()).
		Scan(&row, &g.GroupKey, &g.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", id, err)
	}
	g.ID = PermanentID(EntityGroup, row)

	rows, err := qs.q.QueryContext(ctx, `SELECT contact_id FROM group_members WHERE group_id = ? ORDER BY contact_id`, row)
	if err != nil {
		return nil, fmt.Errorf("group members: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var member int64
		if err := rows.Scan(&member); err != nil {
			return nil, err
		}
		g.Members = append(g.Members, PermanentID(EntityContact, member))
	}
	return &g, rows.Err()
}

// GetGroupByKey returns the group with the given key, without members, or nil.
func (qs *Queries) GetGroupByKey(ctx context.Context, key string) (*Group, error) {
	var (
		g   Group
		row int64
	)
	err := qs.q.QueryRowContext(ctx, `SELECT id, group_key, name FROM groups WHERE group_key = ?`, key).
		Scan(&row, &g.GroupKey, &g.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group %q: %w", key, err)
	}
	g.ID = PermanentID(EntityGroup, row)
	return &g, nil
}

// AddGroupMember adds a contact to a group. Adding a member twice is a no-op.
func (qs *Queries) AddGroupMember(ctx context.Context, group, contact ObjectID) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO group_members (group_id, contact_id) VALUES (?, ?)`, group.Row(), contact.Row())
	return Classify("add group member", err)
}
