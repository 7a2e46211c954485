package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/msgstore/internal/store"
)

// Event kinds published on the bus.
const (
	// KindObjectsChanged carries an ObjectsChanged after every successful save.
	KindObjectsChanged = "store.objects_changed"
	// KindBatchDeletedConversation carries a BatchDeleted after all messages
	// of one conversation were removed in bulk.
	KindBatchDeletedConversation = "store.batch_deleted_conversation"
	// KindBatchDeletedOld carries a BatchDeleted after messages older than a
	// date were removed across conversations.
	KindBatchDeletedOld = "store.batch_deleted_old"

	KindInboundMessage      = "inbound.message"
	KindInboundHistoryBatch = "inbound.history_batch"
	KindMessageIngested     = "message.ingested"

	KindDaemonStatusChanged = "daemon.status_changed"
)

// Namespaces for Subscribe.
const (
	NamespaceStore   = "store."
	NamespaceInbound = "inbound."
	NamespaceDaemon  = "daemon."
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        uuid.UUID
	Kind      string
	Timestamp time.Time
	Payload   any
}

// ObjectsChanged lists the permanent IDs touched by one save.
type ObjectsChanged struct {
	Inserted []store.ObjectID
	Updated  []store.ObjectID
	Deleted  []store.ObjectID
}

// Empty reports whether no object changed.
func (c ObjectsChanged) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// BatchDeleted describes a bulk message deletion. Conversation is zero for
// age-based deletion across all conversations.
type BatchDeleted struct {
	Conversation store.ObjectID
	Count        int
}
