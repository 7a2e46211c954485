// Package dbctx provides units of work over the message store.
//
// A Manager owns one long-lived primary Context and hands out disposable
// derived Contexts. Each Context serializes its work on its own queue.
// Changes made in a body are saved when the body returns without error:
// provisional IDs are made permanent, remap hooks run, the transaction
// commits and, for derived contexts, the primary context is committed
// after it. Subscribers learn about the save through a
// store.objects_changed event on the bus.
package dbctx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/msgstore/internal/bus"
	"github.com/matheus3301/msgstore/internal/media"
	"github.com/matheus3301/msgstore/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Role selects the primary context or a fresh derived one.
type Role int

const (
	Primary Role = iota
	Derived
)

func (r Role) String() string {
	if r == Primary {
		return "primary"
	}
	return "derived"
}

// Owner tells who drives a derived context. Background contexts share a
// bounded pool so bulk work does not starve foreground writes.
type Owner int

const (
	Foreground Owner = iota
	Background
)

// Mode selects the context a body runs on.
type Mode struct {
	Role  Role
	Owner Owner
}

var (
	// PrimaryMode runs on the long-lived primary context.
	PrimaryMode = Mode{Role: Primary}
	// ForegroundMode runs on a fresh derived context.
	ForegroundMode = Mode{Role: Derived, Owner: Foreground}
	// BackgroundMode runs on a fresh derived context from the background pool.
	BackgroundMode = Mode{Role: Derived, Owner: Background}
)

const queueSize = 64

// Manager coordinates contexts over one store.
type Manager struct {
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	media    *media.Dir
	recorder SaveRecorder
	fatal    FatalHandler

	primary           *Context
	backgroundWorkers int64
	background        *semaphore.Weighted

	hooksMu sync.RWMutex
	hooks   []RemapHook

	resolved *store.Remaps
}

// New creates a Manager and its primary context.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		db:                db,
		bus:               b,
		logger:            logger,
		backgroundWorkers: 1,
		resolved:          store.NewRemaps(store.DefaultRemapCapacity),
	}
	m.fatal = func(err error) {
		m.logger.Fatal("store commit failed; cannot continue", zap.Error(err))
	}
	for _, opt := range opts {
		opt(m)
	}
	m.background = semaphore.NewWeighted(m.backgroundWorkers)
	m.primary = newContext(m, Primary, newQueue(queueSize))
	return m
}

// DB returns the underlying database.
func (m *Manager) DB() *store.DB {
	return m.db
}

// Bus returns the change bus of the store.
func (m *Manager) Bus() *bus.Bus {
	return m.bus
}

// MediaDir returns the external media directory, or nil.
func (m *Manager) MediaDir() *media.Dir {
	return m.media
}

// AddRemapHook registers a hook run on every save that made provisional
// IDs permanent.
func (m *Manager) AddRemapHook(h RemapHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, h)
}

func (m *Manager) runRemapHooks(remap map[store.ObjectID]store.ObjectID) {
	m.hooksMu.RLock()
	hooks := append([]RemapHook(nil), m.hooks...)
	m.hooksMu.RUnlock()
	for _, h := range hooks {
		h(remap)
	}
}

// Perform runs body on the context selected by mode and saves its changes
// when body returns nil. An error from body rolls the changes back and is
// returned unchanged.
//
// Perform must not be called from inside a body running on the primary
// context.
func (m *Manager) Perform(ctx context.Context, mode Mode, body func(*Context) error) error {
	if mode.Role == Primary {
		return m.perform(ctx, m.primary, body)
	}

	if mode.Owner == Background {
		if err := m.background.Acquire(ctx, 1); err != nil {
			return err
		}
		defer m.background.Release(1)
	}
	c := newContext(m, Derived, newQueue(1))
	defer c.q.close()
	return m.perform(ctx, c, body)
}

// PerformAsync is Perform without waiting. The returned channel receives
// the result once.
func (m *Manager) PerformAsync(ctx context.Context, mode Mode, body func(*Context) error) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- m.Perform(ctx, mode, body)
	}()
	return result
}

func (m *Manager) perform(ctx context.Context, c *Context, body func(*Context) error) error {
	var err error
	if qerr := c.q.run(ctx, func() {
		err = c.performAndSave(ctx, body)
	}); qerr != nil {
		return fmt.Errorf("%s context: %w", c.role, qerr)
	}
	return err
}

// commitPrimary commits the primary context on the primary queue after a
// derived context committed.
func (m *Manager) commitPrimary(ctx context.Context) error {
	var err error
	if qerr := m.primary.q.run(context.WithoutCancel(ctx), func() {
		err = m.primary.Save(ctx)
	}); qerr != nil {
		return qerr
	}
	return err
}

func (m *Manager) commitFailed(c *Context, err error) {
	c.logChanges(m.logger.Error, "commit failed", err)
	m.fatal(err)
}

func (m *Manager) publish(changed bus.ObjectsChanged) {
	if m.bus == nil || changed.Empty() {
		return
	}
	m.bus.Publish(bus.Event{Kind: bus.KindObjectsChanged, Payload: changed})
}

// Resolve returns the permanent ID of id. Permanent IDs are returned as
// they are; provisional IDs resolve once the context that handed them out
// has saved.
func (m *Manager) Resolve(id store.ObjectID) (store.ObjectID, bool) {
	if !id.IsProvisional() {
		return id, true
	}
	return m.resolved.Lookup(id)
}

// ObjectID resolves an external URI to the ID of a stored record. It
// returns store.ErrNotFound for unknown IDs and for provisional IDs that
// were never saved.
func (m *Manager) ObjectID(ctx context.Context, uri string) (store.ObjectID, error) {
	id, err := store.ParseObjectID(uri)
	if err != nil {
		return store.ObjectID{}, err
	}
	if id.IsProvisional() {
		perm, ok := m.Resolve(id)
		if !ok {
			return store.ObjectID{}, fmt.Errorf("object %s: %w", uri, store.ErrNotFound)
		}
		id = perm
	}
	ok, err := m.db.Queries().Exists(ctx, id)
	if err != nil {
		return store.ObjectID{}, err
	}
	if !ok {
		return store.ObjectID{}, fmt.Errorf("object %s: %w", uri, store.ErrNotFound)
	}
	return id, nil
}

// MarkMessageSent flags the own message with the given remote id as sent.
func (m *Manager) MarkMessageSent(ctx context.Context, remoteID string) error {
	return m.Perform(ctx, BackgroundMode, func(c *Context) error {
		qs, err := c.Queries(ctx)
		if err != nil {
			return err
		}
		id, err := qs.MarkSentByRemoteID(ctx, remoteID)
		if err != nil {
			return err
		}
		c.MarkUpdated(id)
		return nil
	})
}

// Close stops the primary context queue after pending work has run.
func (m *Manager) Close() error {
	m.primary.q.close()
	if m.primary.HasChanges() {
		return errors.New("primary context closed with unsaved changes")
	}
	return nil
}
