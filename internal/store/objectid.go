package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Entity names the record type an ObjectID points at.
type Entity uint8

const (
	EntityContact Entity = iota + 1
	EntityConversation
	EntityGroup
	EntityMessage
	EntityMedia
	EntityBallot
)

var entityNames = map[Entity]string{
	EntityContact:      "contact",
	EntityConversation: "conversation",
	EntityGroup:        "group",
	EntityMessage:      "message",
	EntityMedia:        "media",
	EntityBallot:       "ballot",
}

func (e Entity) String() string {
	if name, ok := entityNames[e]; ok {
		return name
	}
	return "unknown"
}

// ParseEntity returns the entity for its string name.
func ParseEntity(s string) (Entity, bool) {
	for e, name := range entityNames {
		if name == s {
			return e, true
		}
	}
	return 0, false
}

// Table returns the SQL table holding rows of this entity.
func (e Entity) Table() string {
	switch e {
	case EntityContact:
		return "contacts"
	case EntityConversation:
		return "conversations"
	case EntityGroup:
		return "groups"
	case EntityMessage:
		return "messages"
	case EntityMedia:
		return "media_blobs"
	case EntityBallot:
		return "ballots"
	}
	return ""
}

const uriScheme = "msgstore://"

// ObjectID identifies a stored record. A freshly inserted record carries a
// provisional ID (a random token) until the owning context is saved, after
// which it is replaced by the permanent ID (the row id).
//
// ObjectID is comparable and safe to use as a map key.
type ObjectID struct {
	Entity Entity
	token  uuid.UUID
	row    int64
}

// PermanentID returns the permanent ID of a stored row.
func PermanentID(e Entity, row int64) ObjectID {
	return ObjectID{Entity: e, row: row}
}

// ProvisionalID returns a fresh provisional ID.
func ProvisionalID(e Entity) ObjectID {
	return ObjectID{Entity: e, token: uuid.New()}
}

// IsZero reports whether id is the zero value (no reference).
func (id ObjectID) IsZero() bool {
	return id.row == 0 && id.token == uuid.Nil
}

// IsProvisional reports whether id has not yet been made permanent.
func (id ObjectID) IsProvisional() bool {
	return id.row == 0 && id.token != uuid.Nil
}

// Row returns the row id of a permanent ID and 0 otherwise.
func (id ObjectID) Row() int64 {
	return id.row
}

// URI returns the external string form of id.
func (id ObjectID) URI() string {
	if id.IsProvisional() {
		return uriScheme + id.Entity.String() + "/p/" + id.token.String()
	}
	return uriScheme + id.Entity.String() + "/" + strconv.FormatInt(id.row, 10)
}

func (id ObjectID) String() string {
	if id.IsZero() {
		return ""
	}
	return id.URI()
}

// ParseObjectID parses the URI form produced by ObjectID.URI.
func ParseObjectID(uri string) (ObjectID, error) {
	rest, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return ObjectID{}, fmt.Errorf("object id %q: missing %s scheme", uri, uriScheme)
	}
	parts := strings.Split(rest, "/")
	entity, ok := ParseEntity(parts[0])
	if !ok {
		return ObjectID{}, fmt.Errorf("object id %q: unknown entity %q", uri, parts[0])
	}
	switch len(parts) {
	case 2:
		row, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || row <= 0 {
			return ObjectID{}, fmt.Errorf("object id %q: invalid row %q", uri, parts[1])
		}
		return PermanentID(entity, row), nil
	case 3:
		if parts[1] != "p" {
			break
		}
		token, err := uuid.Parse(parts[2])
		if err != nil {
			return ObjectID{}, fmt.Errorf("object id %q: invalid token: %w", uri, err)
		}
		if token == uuid.Nil {
			return ObjectID{}, fmt.Errorf("object id %q: nil token", uri)
		}
		return ObjectID{Entity: entity, token: token}, nil
	}
	return ObjectID{}, fmt.Errorf("object id %q: malformed", uri)
}

// nullRow returns the row id of id for a nullable column.
func nullRow(id ObjectID) any {
	if id.row == 0 {
		return nil
	}
	return id.row
}
