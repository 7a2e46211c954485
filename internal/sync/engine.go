package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/msgstore/internal/bus"
	"github.com/matheus3301/msgstore/internal/dbctx"
	"github.com/matheus3301/msgstore/internal/store"
	"go.uber.org/zap"
)

// CheckpointHistory is the state key holding the sent date of the newest
// message received through history sync.
const CheckpointHistory = "sync.history"

// Delivery is one message received from the network.
type Delivery struct {
	// SenderIdentity is the remote contact. For own messages in a 1:1
	// conversation it names the peer.
	SenderIdentity string
	SenderName     string
	// GroupKey is set for group messages.
	GroupKey  string
	GroupName string
	RemoteID  string
	IsOwn     bool
	Content   store.Content
	SentAt    time.Time
}

// Ingested is the payload of a message.ingested event.
type Ingested struct {
	Conversation store.ObjectID
	Message      store.ObjectID
}

// Engine stores inbound messages exactly once. It subscribes to
// "inbound." events on the bus and processes them.
type Engine struct {
	m          *dbctx.Manager
	bus        *bus.Bus
	reconciler *Reconciler
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(m *dbctx.Manager, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		m:          m,
		bus:        m.Bus(),
		reconciler: NewReconciler(m.DB(), logger),
		logger:     logger,
	}
}

// Start subscribes to inbound events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe(bus.NamespaceInbound, 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindInboundMessage:
		d, ok := evt.Payload.(Delivery)
		if !ok {
			return
		}
		_, err := e.IngestMessage(ctx, d)
		var mismatch *store.KindMismatchError
		switch {
		case err == nil:
		case errors.Is(err, store.ErrAlreadyProcessed):
			e.logger.Debug("duplicate delivery dropped", zap.String("remote_id", d.RemoteID))
		case errors.As(err, &mismatch):
			e.logger.Warn("delivery kind mismatch", zap.Error(err), zap.String("remote_id", d.RemoteID))
		default:
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("remote_id", d.RemoteID))
		}
	case bus.KindInboundHistoryBatch:
		batch, ok := evt.Payload.([]Delivery)
		if !ok {
			return
		}
		n, err := e.IngestHistoryBatch(ctx, batch)
		if err != nil {
			e.logger.Error("failed to ingest history batch", zap.Error(err), zap.Int("count", len(batch)))
		} else {
			e.logger.Info("history batch ingested", zap.Int("messages", n), zap.Int("received", len(batch)))
		}
	}
}

// IngestMessage stores one delivery and makes it the conversation's last
// message when it is the newest. A delivery whose remote id is already
// stored in the conversation fails with store.ErrAlreadyProcessed, or with
// *store.KindMismatchError when the stored message has another kind.
func (e *Engine) IngestMessage(ctx context.Context, d Delivery) (Ingested, error) {
	var out Ingested
	err := e.m.Perform(ctx, dbctx.ForegroundMode, func(c *dbctx.Context) error {
		var err error
		out, err = e.ingest(ctx, c, d)
		return err
	})
	if err != nil {
		return Ingested{}, err
	}
	e.bus.Publish(bus.Event{Kind: bus.KindMessageIngested, Payload: out})
	return out, nil
}

// IngestHistoryBatch stores a batch in one background transaction and
// returns how many messages were new. Duplicates and kind mismatches are
// skipped.
func (e *Engine) IngestHistoryBatch(ctx context.Context, batch []Delivery) (int, error) {
	var (
		ingested []Ingested
		newest   time.Time
	)
	err := e.m.Perform(ctx, dbctx.BackgroundMode, func(c *dbctx.Context) error {
		for _, d := range batch {
			out, err := e.ingest(ctx, c, d)
			var mismatch *store.KindMismatchError
			switch {
			case err == nil:
				ingested = append(ingested, out)
				if d.SentAt.After(newest) {
					newest = d.SentAt
				}
			case errors.Is(err, store.ErrAlreadyProcessed):
			case errors.As(err, &mismatch):
				e.logger.Warn("history message kind mismatch", zap.Error(err))
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ingest history batch: %w", err)
	}

	if !newest.IsZero() {
		if err := e.reconciler.Advance(ctx, CheckpointHistory, newest); err != nil {
			e.logger.Warn("failed to update history checkpoint", zap.Error(err))
		}
	}
	for _, out := range ingested {
		e.bus.Publish(bus.Event{Kind: bus.KindMessageIngested, Payload: out})
	}
	return len(ingested), nil
}

func (e *Engine) ingest(ctx context.Context, c *dbctx.Context, d Delivery) (Ingested, error) {
	if d.Content == nil || d.RemoteID == "" {
		return Ingested{}, fmt.Errorf("delivery %q: missing content or remote id", d.RemoteID)
	}
	qs, err := c.Queries(ctx)
	if err != nil {
		return Ingested{}, err
	}

	sender, err := e.contact(ctx, c, qs, d)
	if err != nil {
		return Ingested{}, err
	}
	conv, err := e.conversation(ctx, c, qs, d, sender)
	if err != nil {
		return Ingested{}, err
	}

	if !conv.IsProvisional() {
		existing, err := qs.GetMessageByRemoteID(ctx, conv, d.RemoteID)
		if err != nil {
			return Ingested{}, err
		}
		if existing != nil {
			if existing.Kind() != d.Content.Kind() {
				return Ingested{}, &store.KindMismatchError{RemoteID: d.RemoteID, Stored: existing.Kind(), Incoming: d.Content.Kind()}
			}
			return Ingested{}, fmt.Errorf("message %q: %w", d.RemoteID, store.ErrAlreadyProcessed)
		}
	}

	now := time.Now()
	sent := d.SentAt
	msg := &store.Message{
		ConversationID: conv,
		RemoteID:       d.RemoteID,
		IsOwn:          d.IsOwn,
		Content:        d.Content,
		Date:           &now,
		RemoteSentDate: &sent,
	}
	if !d.IsOwn {
		msg.SenderID = sender
	}
	id, err := c.InsertMessage(ctx, msg)
	if err != nil {
		return Ingested{}, err
	}

	permConv, err := c.Permanent(conv)
	if err != nil {
		return Ingested{}, err
	}
	latest, err := qs.LatestMessageID(ctx, permConv)
	if err != nil {
		return Ingested{}, err
	}
	if err := qs.SetLastMessage(ctx, permConv, latest, now); err != nil {
		return Ingested{}, err
	}
	c.MarkUpdated(permConv)

	permMsg, err := c.Permanent(id)
	if err != nil {
		return Ingested{}, err
	}
	return Ingested{Conversation: permConv, Message: permMsg}, nil
}

func (e *Engine) contact(ctx context.Context, c *dbctx.Context, qs *store.Queries, d Delivery) (store.ObjectID, error) {
	if d.SenderIdentity == "" {
		return store.ObjectID{}, nil
	}
	existing, err := qs.GetContactByIdentity(ctx, d.SenderIdentity)
	if err != nil {
		return store.ObjectID{}, err
	}
	if existing != nil {
		return existing.ID, nil
	}
	return c.InsertContact(ctx, &store.Contact{Identity: d.SenderIdentity, DisplayName: d.SenderName})
}

func (e *Engine) conversation(ctx context.Context, c *dbctx.Context, qs *store.Queries, d Delivery, sender store.ObjectID) (store.ObjectID, error) {
	if d.GroupKey == "" {
		if sender.IsZero() {
			return store.ObjectID{}, fmt.Errorf("delivery %q: no sender and no group", d.RemoteID)
		}
		if !sender.IsProvisional() {
			convs, err := qs.ConversationsForContact(ctx, sender)
			if err != nil {
				return store.ObjectID{}, err
			}
			if len(convs) > 0 {
				return convs[0].ID, nil
			}
		}
		return c.InsertConversation(ctx, &store.Conversation{ContactID: sender})
	}

	group, err := qs.GetGroupByKey(ctx, d.GroupKey)
	if err != nil {
		return store.ObjectID{}, err
	}
	if group == nil {
		var members []store.ObjectID
		if !sender.IsZero() {
			members = append(members, sender)
		}
		id, err := c.InsertGroup(ctx, &store.Group{GroupKey: d.GroupKey, Name: d.GroupName, Members: members})
		if err != nil {
			return store.ObjectID{}, err
		}
		return c.InsertConversation(ctx, &store.Conversation{GroupID: id})
	}

	if !sender.IsZero() {
		member, err := c.Permanent(sender)
		if err != nil {
			return store.ObjectID{}, err
		}
		if err := qs.AddGroupMember(ctx, group.ID, member); err != nil {
			return store.ObjectID{}, err
		}
	}
	conv, err := qs.ConversationForGroup(ctx, group.ID)
	if err != nil {
		return store.ObjectID{}, err
	}
	if conv != nil {
		return conv.ID, nil
	}
	return c.InsertConversation(ctx, &store.Conversation{GroupID: group.ID})
}
