package dbctx

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/msgstore/internal/bus"
	"github.com/matheus3301/msgstore/internal/media"
	"github.com/matheus3301/msgstore/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testManager(t *testing.T, opts ...Option) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	opts = append([]Option{WithFatalHandler(func(err error) {
		t.Errorf("unexpected fatal: %v", err)
	})}, opts...)
	m := New(testDB(t), b, nil, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m, b
}

func now() *time.Time {
	t := time.Now()
	return &t
}

// seed inserts a contact, a conversation and one message in a single body.
func seed(ctx context.Context, c *Context) (conv, msg store.ObjectID, err error) {
	contact, err := c.InsertContact(ctx, &store.Contact{Identity: "ECHOECHO"})
	if err != nil {
		return
	}
	conv, err = c.InsertConversation(ctx, &store.Conversation{ContactID: contact})
	if err != nil {
		return
	}
	msg, err = c.InsertMessage(ctx, &store.Message{ConversationID: conv, Content: store.Text{Body: "hi"}, Date: now()})
	return
}

func TestPerformSavesAndPublishesPermanentIDs(t *testing.T) {
	m, b := testManager(t)
	ch, unsub := b.Subscribe(bus.NamespaceStore, 10)
	defer unsub()
	ctx := context.Background()

	var provisional store.ObjectID
	err := m.Perform(ctx, ForegroundMode, func(c *Context) error {
		_, msg, err := seed(ctx, c)
		provisional = msg
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if !provisional.IsProvisional() {
		t.Errorf("insert returned %v, want a provisional ID", provisional)
	}

	select {
	case evt := <-ch:
		changed := evt.Payload.(bus.ObjectsChanged)
		if len(changed.Inserted) != 3 {
			t.Fatalf("inserted = %v, want 3 IDs", changed.Inserted)
		}
		for _, id := range changed.Inserted {
			if id.IsProvisional() {
				t.Errorf("published provisional ID %v", id)
			}
		}
		msg := changed.Inserted[2]
		got, err := m.DB().Queries().GetMessage(ctx, msg)
		if err != nil || got == nil {
			t.Fatalf("GetMessage(%v) = %v, %v", msg, got, err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for objects_changed")
	}
}

func TestRemapHookRunsBeforePublish(t *testing.T) {
	m, b := testManager(t)
	ch, unsub := b.Subscribe(bus.NamespaceStore, 10)
	defer unsub()
	ctx := context.Background()

	var (
		mu    sync.Mutex
		remap map[store.ObjectID]store.ObjectID
	)
	m.AddRemapHook(func(r map[store.ObjectID]store.ObjectID) {
		mu.Lock()
		defer mu.Unlock()
		remap = r
	})

	var provisional store.ObjectID
	if err := m.Perform(ctx, ForegroundMode, func(c *Context) error {
		_, msg, err := seed(ctx, c)
		provisional = msg
		return err
	}); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	mu.Lock()
	defer mu.Unlock()
	perm, ok := remap[provisional]
	if !ok {
		t.Fatalf("remap has no entry for %v", provisional)
	}
	changed := evt.Payload.(bus.ObjectsChanged)
	if changed.Inserted[2] != perm {
		t.Errorf("published %v, remapped to %v", changed.Inserted[2], perm)
	}
}

func TestPerformRollsBackOnError(t *testing.T) {
	m, b := testManager(t)
	ch, unsub := b.Subscribe(bus.NamespaceStore, 10)
	defer unsub()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.Perform(ctx, PrimaryMode, func(c *Context) error {
		if _, _, err := seed(ctx, c); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	var n int
	if err := m.DB().QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("messages = %d, want 0 after rollback", n)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %v", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCommitFailureIsFatal(t *testing.T) {
	var fatalErr error
	m := New(testDB(t), bus.New(), nil, WithFatalHandler(func(err error) { fatalErr = err }))
	defer func() { _ = m.Close() }()
	ctx := context.Background()

	err := m.Perform(ctx, ForegroundMode, func(c *Context) error {
		if _, _, err := seed(ctx, c); err != nil {
			return err
		}
		// Finish the transaction behind the context's back.
		return c.tx.Rollback()
	})
	if err == nil {
		t.Fatal("Perform should fail when the commit fails")
	}
	if fatalErr == nil {
		t.Error("fatal handler was not called")
	}
}

func TestDerivedContextsSerializeWrites(t *testing.T) {
	m, _ := testManager(t, WithBackgroundWorkers(2))
	ctx := context.Background()

	var conv store.ObjectID
	if err := m.Perform(ctx, ForegroundMode, func(c *Context) error {
		id, err := c.InsertConversation(ctx, &store.Conversation{})
		conv = id
		return err
	}); err != nil {
		t.Fatal(err)
	}
	perm, err := m.ObjectID(ctx, "msgstore://conversation/1")
	if err != nil {
		t.Fatal(err)
	}

	const n = 20
	results := make([]<-chan error, 0, n)
	for i := 0; i < n; i++ {
		results = append(results, m.PerformAsync(ctx, BackgroundMode, func(c *Context) error {
			_, err := c.InsertMessage(ctx, &store.Message{ConversationID: perm, Content: store.Text{Body: "x"}, Date: now()})
			return err
		}))
	}
	for _, r := range results {
		if err := <-r; err != nil {
			t.Fatal(err)
		}
	}

	var count int
	if err := m.DB().QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, perm.Row()).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != n {
		t.Errorf("count = %d, want %d", count, n)
	}
	if !conv.IsProvisional() {
		t.Errorf("conversation insert returned %v", conv)
	}
}

func TestObjectIDUnknown(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.ObjectID(ctx, "msgstore://message/77"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	prov := store.ProvisionalID(store.EntityMessage)
	if _, err := m.ObjectID(ctx, prov.URI()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("provisional err = %v, want ErrNotFound", err)
	}
	if _, err := m.ObjectID(ctx, "not a uri"); err == nil {
		t.Error("malformed URI should fail")
	}
}

func TestInsertMediaExternalizesAndSniffs(t *testing.T) {
	dir, err := media.Open(filepath.Join(t.TempDir(), "media"), 8)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := testManager(t, WithMediaDir(dir))
	ctx := context.Background()
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00")

	var msgID, mediaID store.ObjectID
	err = m.Perform(ctx, ForegroundMode, func(c *Context) error {
		conv, err := c.InsertConversation(ctx, &store.Conversation{})
		if err != nil {
			return err
		}
		msgID, err = c.InsertMessage(ctx, &store.Message{
			ConversationID: conv,
			Content:        store.Media{MediaKind: store.KindImage, BlobID: "blob"},
			Date:           now(),
		})
		if err != nil {
			return err
		}
		mediaID, err = c.InsertMedia(ctx, &store.MediaBlob{MessageID: msgID, Data: png, Thumbnail: []byte("tiny")})
		if err != nil {
			return err
		}
		msgID, _ = c.Permanent(msgID)
		mediaID, _ = c.Permanent(mediaID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	qs := m.DB().Queries()
	blob, err := qs.GetMedia(ctx, mediaID)
	if err != nil {
		t.Fatal(err)
	}
	want := media.FileName("image", mediaID.Row())
	if blob.ExternalName != want {
		t.Errorf("ExternalName = %q, want %q", blob.ExternalName, want)
	}
	if blob.Data != nil {
		t.Error("externalized blob should not be kept inline")
	}
	if string(blob.Thumbnail) != "tiny" || blob.ThumbnailExternalName != "" {
		t.Errorf("small thumbnail should stay inline, got %q / %q", blob.Thumbnail, blob.ThumbnailExternalName)
	}
	if data, err := dir.Read(want); err != nil || string(data) != string(png) {
		t.Errorf("external file = %q, %v", data, err)
	}

	msg, err := qs.GetMessage(ctx, msgID)
	if err != nil {
		t.Fatal(err)
	}
	if got := msg.Content.(store.Media).MIMEType; got != "image/png" {
		t.Errorf("MIMEType = %q, want image/png", got)
	}
}

func TestRollbackRemovesWrittenMedia(t *testing.T) {
	dir, err := media.Open(filepath.Join(t.TempDir(), "media"), 1)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := testManager(t, WithMediaDir(dir))
	ctx := context.Background()

	_ = m.Perform(ctx, ForegroundMode, func(c *Context) error {
		conv, err := c.InsertConversation(ctx, &store.Conversation{})
		if err != nil {
			return err
		}
		msg, err := c.InsertMessage(ctx, &store.Message{ConversationID: conv,
			Content: store.Media{MediaKind: store.KindAudio, MIMEType: "audio/ogg"}, Date: now()})
		if err != nil {
			return err
		}
		if _, err := c.InsertMedia(ctx, &store.MediaBlob{MessageID: msg, Data: []byte("voice")}); err != nil {
			return err
		}
		return errors.New("abort")
	})

	names, err := dir.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("media dir = %v, want empty after rollback", names)
	}
}

func TestMarkMessageSent(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	var msgID store.ObjectID
	if err := m.Perform(ctx, ForegroundMode, func(c *Context) error {
		conv, err := c.InsertConversation(ctx, &store.Conversation{})
		if err != nil {
			return err
		}
		id, err := c.InsertMessage(ctx, &store.Message{ConversationID: conv, RemoteID: "r1", IsOwn: true,
			Content: store.Text{Body: "out"}, Date: now()})
		if err != nil {
			return err
		}
		msgID, err = c.Permanent(id)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.MarkMessageSent(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	msg, _ := m.DB().Queries().GetMessage(ctx, msgID)
	if !msg.Sent {
		t.Error("message should be marked sent")
	}
	if err := m.MarkMessageSent(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestProvisionalIDsResolveAfterSave(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	conv := &store.Conversation{}
	var provisional store.ObjectID
	err := m.Perform(ctx, ForegroundMode, func(c *Context) error {
		var err error
		provisional, err = c.InsertConversation(ctx, conv)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID.IsProvisional() || conv.ID.Row() == 0 {
		t.Fatalf("inserted record id = %v, want permanent after save", conv.ID)
	}

	perm, ok := m.Resolve(provisional)
	if !ok || perm != conv.ID {
		t.Errorf("Resolve(%v) = %v, %v; want %v", provisional, perm, ok, conv.ID)
	}
	got, err := m.ObjectID(ctx, provisional.URI())
	if err != nil || got != conv.ID {
		t.Errorf("ObjectID(%s) = %v, %v; want %v", provisional.URI(), got, err, conv.ID)
	}

	// A later context accepts the provisional id as a reference.
	err = m.Perform(ctx, ForegroundMode, func(c *Context) error {
		_, err := c.InsertMessage(ctx, &store.Message{ConversationID: provisional, Content: store.Text{Body: "later"}, Date: now()})
		return err
	})
	if err != nil {
		t.Fatalf("insert with saved provisional conversation: %v", err)
	}
}

func TestRolledBackInsertKeepsProvisionalID(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	conv := &store.Conversation{}
	boom := errors.New("boom")
	err := m.Perform(ctx, ForegroundMode, func(c *Context) error {
		if _, err := c.InsertConversation(ctx, conv); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Perform() err = %v, want boom", err)
	}
	if !conv.ID.IsProvisional() {
		t.Errorf("id after rollback = %v, want provisional", conv.ID)
	}
	if _, ok := m.Resolve(conv.ID); ok {
		t.Error("rolled back id resolved")
	}
}
