// Package provider keeps a live, bounded window over the messages of one
// conversation and publishes it as a stream of sectioned snapshots.
package provider

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/msgstore/internal/bus"
	"github.com/matheus3301/msgstore/internal/query"
	"github.com/matheus3301/msgstore/internal/store"
	"go.uber.org/zap"
)

// Config sizes the window.
type Config struct {
	// WindowSize is the number of messages loaded initially and on a jump.
	WindowSize int
	// Increment is how many messages a load at the top or bottom adds.
	Increment int
	// Hysteresis is the fraction of Increment a jump target may sit inside
	// the loaded range edges before a refetch is needed.
	Hysteresis float64
	// SectionLocation is the time zone of the day sections.
	SectionLocation *time.Location
}

// DefaultConfig returns the default window configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize:      100,
		Increment:       100,
		Hysteresis:      0.5,
		SectionLocation: time.Local,
	}
}

// SnapshotRecorder observes emitted snapshots.
type SnapshotRecorder interface {
	ObserveSnapshot(items, reload, reconfigure int)
}

// Provider is a windowed view over one conversation. All methods are safe
// for concurrent use.
type Provider struct {
	fetcher  *query.Fetcher
	bus      *bus.Bus
	cfg      Config
	logger   *zap.Logger
	recorder SnapshotRecorder

	mu     sync.Mutex
	offset int
	size   int
	total  int
	window []store.Message
	byID   map[store.ObjectID]store.Message
	shown  []store.ObjectID
	newest bool

	out    chan Snapshot
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a provider over an ascending fetcher and performs the
// initial fetch: around the given date when around is set, otherwise at
// the bottom of the conversation. The first snapshot is available on
// Snapshots when New returns.
func New(fetcher *query.Fetcher, b *bus.Bus, cfg Config, logger *zap.Logger, around *time.Time) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.Increment <= 0 {
		cfg.Increment = def.Increment
	}
	if cfg.Hysteresis < 0 {
		cfg.Hysteresis = 0
	}
	if cfg.SectionLocation == nil {
		cfg.SectionLocation = def.SectionLocation
	}
	p := &Provider{
		fetcher: fetcher,
		bus:     b,
		cfg:     cfg,
		logger:  logger.With(zap.Stringer("conversation", fetcher.Conversation())),
		out:     make(chan Snapshot, 1),
		byID:    map[store.ObjectID]store.Message{},
	}

	ctx := context.Background()
	p.mu.Lock()
	defer p.mu.Unlock()
	if around != nil {
		p.placeAround(ctx, *around)
	} else {
		p.placeAtBottom(ctx)
	}
	p.fetch(ctx, nil)
	return p
}

// WithRecorder sets a recorder for emitted snapshots.
func (p *Provider) WithRecorder(r SnapshotRecorder) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorder = r
	return p
}

// Snapshots returns the snapshot stream. Only the latest unread snapshot
// is kept; a slow reader skips intermediate ones.
func (p *Provider) Snapshots() <-chan Snapshot {
	return p.out
}

// Window returns the current offset and size.
func (p *Provider) Window() (offset, size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset, p.size
}

// OldestMessagesLoaded reports whether the window starts at the first message.
func (p *Provider) OldestMessagesLoaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset == 0
}

// NewestMessagesLoaded reports whether the window reaches the last message.
func (p *Provider) NewestMessagesLoaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newest
}

// Message returns a loaded message by id, or nil.
func (p *Provider) Message(id store.ObjectID) *store.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.byID[id]
	if !ok {
		return nil
	}
	return &m
}

// LoadMessagesAtTop grows the window towards older messages. It returns
// false without fetching when the oldest message is already loaded.
func (p *Provider) LoadMessagesAtTop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offset == 0 {
		return false
	}
	grow := min(p.cfg.Increment, p.offset)
	p.offset -= grow
	p.size += grow
	p.fetch(context.Background(), nil)
	return true
}

// LoadMessagesAtBottom grows the window towards newer messages. It returns
// false without fetching when the newest message is already loaded.
func (p *Provider) LoadMessagesAtBottom() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.newest {
		return false
	}
	p.size += p.cfg.Increment
	p.fetch(context.Background(), nil)
	return true
}

// LoadMessages moves the window around date d. Nothing is fetched when d
// already lies inside the loaded range by more than the hysteresis margin.
func (p *Provider) LoadMessages(d time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx := context.Background()

	total := p.fetcher.Count(ctx)
	target := total - p.fetcher.CountAfter(ctx, d)
	margin := int(p.cfg.Hysteresis * float64(p.cfg.Increment))
	if p.offset <= target-margin && p.offset+p.size >= target+margin {
		return false
	}
	p.total = total
	p.setAround(target)
	p.fetch(ctx, nil)
	return true
}

// LoadNewestMessages moves the window to the bottom of the conversation.
func (p *Provider) LoadNewestMessages() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.newest {
		return false
	}
	ctx := context.Background()
	p.placeAtBottom(ctx)
	p.fetch(ctx, nil)
	return true
}

// Start follows store change signals until Stop or ctx is done.
func (p *Provider) Start(ctx context.Context) {
	if p.bus == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	events, unsub := p.bus.Subscribe(bus.NamespaceStore, 256)
	go func() {
		defer close(p.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				p.handle(ctx, evt)
			}
		}
	}()
}

// Stop stops following change signals.
func (p *Provider) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Provider) handle(ctx context.Context, evt bus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch evt.Kind {
	case bus.KindObjectsChanged:
		changed, ok := evt.Payload.(bus.ObjectsChanged)
		if !ok || !touchesMessages(changed) {
			return
		}
		total := p.fetcher.Count(ctx)
		if total == p.total && !p.affectedBy(changed) {
			return
		}
		updated := make(map[store.ObjectID]bool, len(changed.Updated))
		for _, id := range changed.Updated {
			updated[id] = true
		}
		p.total = total
		switch {
		case p.offset > p.total:
			p.placeAtBottom(ctx)
		case p.newest:
			// Keep following the bottom.
			p.size = p.total - p.offset
		}
		p.refresh(ctx, updated)

	case bus.KindBatchDeletedConversation:
		batch, ok := evt.Payload.(bus.BatchDeleted)
		if !ok || batch.Conversation != p.fetcher.Conversation() {
			return
		}
		p.total = p.fetcher.Count(ctx)
		if p.offset > 0 {
			p.placeAtBottom(ctx)
		}
		p.fetch(ctx, nil)

	case bus.KindBatchDeletedOld:
		p.total = p.fetcher.Count(ctx)
		if p.offset > p.total {
			p.placeAtBottom(ctx)
		}
		p.fetch(ctx, nil)
	}
}

func touchesMessages(c bus.ObjectsChanged) bool {
	for _, ids := range [][]store.ObjectID{c.Inserted, c.Updated, c.Deleted} {
		for _, id := range ids {
			if id.Entity == store.EntityMessage || id.Entity == store.EntityMedia {
				return true
			}
		}
	}
	return false
}

// affectedBy reports whether a change with an unchanged message count may
// still alter the window: it touches a loaded message or media, or it both
// inserted and deleted messages somewhere.
func (p *Provider) affectedBy(c bus.ObjectsChanged) bool {
	var inserted, deleted bool
	for _, id := range c.Inserted {
		inserted = inserted || id.Entity == store.EntityMessage
	}
	for _, ids := range [][]store.ObjectID{c.Updated, c.Deleted} {
		for _, id := range ids {
			if id.Entity == store.EntityMedia {
				return true
			}
			if _, ok := p.byID[id]; ok {
				return true
			}
		}
	}
	for _, id := range c.Deleted {
		deleted = deleted || id.Entity == store.EntityMessage
	}
	return inserted && deleted
}

func (p *Provider) placeAtBottom(ctx context.Context) {
	p.total = p.fetcher.Count(ctx)
	p.size = p.cfg.WindowSize
	p.offset = max(p.total-p.size, 0)
}

func (p *Provider) placeAround(ctx context.Context, d time.Time) {
	p.total = p.fetcher.Count(ctx)
	p.setAround(p.total - p.fetcher.CountAfter(ctx, d))
}

// setAround centers a full window on index target.
func (p *Provider) setAround(target int) {
	p.size = p.cfg.WindowSize
	p.offset = max(target-p.cfg.WindowSize/2, 0)
}

// fetch loads the window and emits a snapshot. While the newest message is
// loaded the window is open-ended so that new messages join it.
func (p *Provider) fetch(ctx context.Context, updated map[store.ObjectID]bool) {
	p.load(ctx, updated, false)
}

// refresh is fetch for change signals: no snapshot is emitted when the
// presented messages are unchanged.
func (p *Provider) refresh(ctx context.Context, updated map[store.ObjectID]bool) {
	p.load(ctx, updated, true)
}

func (p *Provider) load(ctx context.Context, updated map[store.ObjectID]bool, onlyChanges bool) {
	prevNewest := p.newest
	openEnded := p.offset+p.size >= p.total
	limit := p.size
	if openEnded {
		limit = 0
	}
	msgs := p.fetcher.Messages(ctx, p.offset, limit)
	if openEnded {
		p.size = len(msgs)
	}
	p.newest = p.offset+p.size >= p.total

	snap := buildSnapshot(msgs, p.byID, updated, p.cfg.SectionLocation)
	snap.OldestLoaded = p.offset == 0
	snap.NewestLoaded = p.newest
	snap.PreviouslyNewestLoaded = prevNewest

	p.window = msgs
	p.byID = make(map[store.ObjectID]store.Message, len(msgs))
	for _, m := range msgs {
		p.byID[m.ID] = m
	}
	ids := snap.IDs()
	if onlyChanges && prevNewest == p.newest && len(snap.Reload) == 0 &&
		len(snap.Reconfigure) == 0 && slices.Equal(ids, p.shown) {
		return
	}
	p.shown = ids

	if p.recorder != nil {
		p.recorder.ObserveSnapshot(len(ids), len(snap.Reload), len(snap.Reconfigure))
	}
	p.logger.Debug("window fetched",
		zap.Int("offset", p.offset),
		zap.Int("size", p.size),
		zap.Int("total", p.total),
		zap.Bool("newest_loaded", p.newest))
	p.emit(snap)
}

func (p *Provider) emit(s Snapshot) {
	for {
		select {
		case p.out <- s:
			return
		default:
		}
		// Replace the unread snapshot.
		select {
		case <-p.out:
		default:
		}
	}
}
