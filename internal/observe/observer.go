// Package observe lets components watch individual contacts, conversations
// and groups for updates and deletion.
//
// Registration, cancellation, dispatch and re-keying all run on one
// internal queue. Callbacks run on that queue too and must hand off any
// work that waits on a store context.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/msgstore/internal/bus"
	"github.com/matheus3301/msgstore/internal/store"
	"go.uber.org/zap"
)

// ErrEntityNotObservable is returned when subscribing to a record kind that
// is not observable. Message changes are followed through the provider.
var ErrEntityNotObservable = errors.New("entity is not observable")

// Reason is a set of change kinds.
type Reason uint8

const (
	Updated Reason = 1 << iota
	Deleted

	AnyChange = Updated | Deleted
)

func (r Reason) String() string {
	switch r {
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	case AnyChange:
		return "updated|deleted"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Callback receives the changed record ID and why it changed.
type Callback func(id store.ObjectID, reason Reason)

func observable(e store.Entity) bool {
	switch e {
	case store.EntityContact, store.EntityConversation, store.EntityGroup:
		return true
	}
	return false
}

type subscription struct {
	id       store.ObjectID
	reasons  Reason
	fn       Callback
	canceled atomic.Bool
}

// Token releases a subscription.
type Token struct {
	o    *Observer
	sub  *subscription
	once sync.Once
}

// Cancel removes the subscription. No callback starts after Cancel
// returns. Calling it more than once is a no-op.
func (t *Token) Cancel() {
	t.once.Do(func() {
		t.sub.canceled.Store(true)
		t.o.submit(func() { t.o.remove(t.sub) })
	})
}

// Observer is the subscription registry for one store.
type Observer struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	ops    []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	// Owned by the queue goroutine.
	subs  map[store.ObjectID]map[*subscription]struct{}
	armed map[store.ObjectID]struct{}
	// resolved remembers remaps already applied, for subscriptions taken
	// on provisional ids after their save.
	resolved *store.Remaps

	cancel  context.CancelFunc
	stopped chan struct{}
}

// New returns an Observer with its queue running.
func New(b *bus.Bus, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Observer{
		bus:    b,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		subs:   make(map[store.ObjectID]map[*subscription]struct{}),
		armed:  make(map[store.ObjectID]struct{}),

		resolved: store.NewRemaps(store.DefaultRemapCapacity),
	}
	go o.loop()
	return o
}

func (o *Observer) loop() {
	defer close(o.done)
	for {
		o.mu.Lock()
		ops := o.ops
		o.ops = nil
		closed := o.closed
		o.mu.Unlock()

		for _, op := range ops {
			op()
		}
		if len(ops) > 0 {
			continue
		}
		if closed {
			return
		}
		<-o.wake
	}
}

// submit queues fn without blocking. It reports false after Close.
func (o *Observer) submit(fn func()) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.ops = append(o.ops, fn)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the queue and waits for it. It must not be used from a
// callback.
func (o *Observer) call(fn func()) {
	done := make(chan struct{})
	if !o.submit(func() {
		defer close(done)
		fn()
	}) {
		return
	}
	<-done
}

// Subscribe registers fn for the given reasons on one record. A provisional
// id is re-keyed to its permanent id when the owning context saves, or
// right away when that save already happened.
func (o *Observer) Subscribe(id store.ObjectID, reasons Reason, fn Callback) (*Token, error) {
	if id.IsZero() || !observable(id.Entity) {
		return nil, fmt.Errorf("subscribe %s: %w", id, ErrEntityNotObservable)
	}
	if reasons&AnyChange == 0 {
		reasons = AnyChange
	}
	sub := &subscription{id: id, reasons: reasons, fn: fn}
	if !o.submit(func() { o.add(sub) }) {
		return nil, errors.New("observer is closed")
	}
	return &Token{o: o, sub: sub}, nil
}

func (o *Observer) add(sub *subscription) {
	if sub.canceled.Load() {
		return
	}
	if sub.id.IsProvisional() {
		if perm, ok := o.resolved.Lookup(sub.id); ok {
			sub.id = perm
		}
	}
	set, ok := o.subs[sub.id]
	if !ok {
		set = make(map[*subscription]struct{})
		o.subs[sub.id] = set
	}
	set[sub] = struct{}{}
	if sub.id.IsProvisional() {
		o.armed[sub.id] = struct{}{}
	}
}

func (o *Observer) remove(sub *subscription) {
	set := o.subs[sub.id]
	delete(set, sub)
	if len(set) == 0 {
		delete(o.subs, sub.id)
		delete(o.armed, sub.id)
	}
}

// RemapIDs re-keys subscriptions taken on provisional ids. It returns once
// the registry is updated, so it can run as a save hook before the change
// notification goes out.
func (o *Observer) RemapIDs(remap map[store.ObjectID]store.ObjectID) {
	o.call(func() {
		o.resolved.Add(remap)
		for prov := range o.armed {
			perm, ok := remap[prov]
			if !ok {
				continue
			}
			delete(o.armed, prov)
			set := o.subs[prov]
			delete(o.subs, prov)

			target, ok := o.subs[perm]
			if !ok {
				target = make(map[*subscription]struct{}, len(set))
				o.subs[perm] = target
			}
			for sub := range set {
				sub.id = perm
				target[sub] = struct{}{}
			}
			o.logger.Debug("subscription re-keyed", zap.Stringer("from", prov), zap.Stringer("to", perm))
		}
	})
}

// Len returns the number of live subscriptions.
func (o *Observer) Len() int {
	var n int
	o.call(func() {
		for _, set := range o.subs {
			n += len(set)
		}
	})
	return n
}

// Dispatch delivers one change notification to matching subscribers.
func (o *Observer) Dispatch(changed bus.ObjectsChanged) {
	o.submit(func() {
		o.deliver(changed.Deleted, Deleted)
		o.deliver(changed.Updated, Updated)
	})
}

func (o *Observer) deliver(ids []store.ObjectID, reason Reason) {
	for _, id := range ids {
		for sub := range o.subs[id] {
			if sub.reasons&reason == 0 || sub.canceled.Load() {
				continue
			}
			o.invoke(sub, id, reason)
		}
	}
}

func (o *Observer) invoke(sub *subscription, id store.ObjectID, reason Reason) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("observer callback panicked",
				zap.Stringer("id", id),
				zap.Stringer("reason", reason),
				zap.Any("panic", r))
		}
	}()
	sub.fn(id, reason)
}

// Start forwards store.objects_changed events from the bus until ctx is
// done or Close is called.
func (o *Observer) Start(ctx context.Context) {
	if o.bus == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.stopped = make(chan struct{})

	events, unsub := o.bus.Subscribe(bus.NamespaceStore, 256)
	go func() {
		defer close(o.stopped)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				if changed, ok := evt.Payload.(bus.ObjectsChanged); ok && evt.Kind == bus.KindObjectsChanged {
					o.Dispatch(changed)
				}
			}
		}
	}()
}

// Close stops forwarding, drains queued work and stops the queue.
func (o *Observer) Close() {
	if o.cancel != nil {
		o.cancel()
		<-o.stopped
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
	<-o.done
}
