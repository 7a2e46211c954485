package destroy

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/matheus3301/msgstore/internal/bus"
	"github.com/matheus3301/msgstore/internal/dbctx"
	"github.com/matheus3301/msgstore/internal/media"
	"github.com/matheus3301/msgstore/internal/store"
)

type fixture struct {
	m   *dbctx.Manager
	b   *bus.Bus
	db  *store.DB
	qs  *store.Queries
	dir *media.Dir
	d   *Destroyer
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	tmp := t.TempDir()
	db, err := store.Open(filepath.Join(tmp, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	dir, err := media.Open(filepath.Join(tmp, "media"), 4)
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	m := dbctx.New(db, b, nil,
		dbctx.WithMediaDir(dir),
		dbctx.WithFatalHandler(func(err error) { t.Errorf("fatal: %v", err) }))
	t.Cleanup(func() {
		_ = m.Close()
		_ = db.Close()
	})
	return &fixture{m: m, b: b, db: db, qs: db.Queries(), dir: dir, d: New(m, nil, opts...)}
}

func daysAgo(n int) *time.Time {
	t := time.Now().AddDate(0, 0, -n)
	return &t
}

func (f *fixture) conversation(t *testing.T) store.ObjectID {
	t.Helper()
	row, err := f.qs.InsertConversation(context.Background(), &store.Conversation{})
	if err != nil {
		t.Fatal(err)
	}
	return store.PermanentID(store.EntityConversation, row)
}

func (f *fixture) message(t *testing.T, m store.Message) store.ObjectID {
	t.Helper()
	row, err := f.qs.InsertMessage(context.Background(), &m)
	if err != nil {
		t.Fatal(err)
	}
	return store.PermanentID(store.EntityMessage, row)
}

// mediaMessage stores an image message whose blob lands in an external file.
func (f *fixture) mediaMessage(t *testing.T, conv store.ObjectID, date *time.Time) (store.ObjectID, string) {
	t.Helper()
	ctx := context.Background()
	msg := &store.Message{ConversationID: conv, Date: date,
		Content: store.Media{MediaKind: store.KindImage, MIMEType: "image/jpeg", BlobID: "b1"}}
	blob := &store.MediaBlob{Data: []byte("jpeg bytes")}
	err := f.m.Perform(ctx, dbctx.ForegroundMode, func(c *dbctx.Context) error {
		id, err := c.InsertMessage(ctx, msg)
		if err != nil {
			return err
		}
		blob.MessageID = id
		_, err = c.InsertMedia(ctx, blob)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return msg.ID, media.FileName("image", blob.ID.Row())
}

func (f *fixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	if err := f.db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestRetentionSparesOpenBallots(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	conv := f.conversation(t)

	var texts []store.ObjectID
	for i := range 10 {
		texts = append(texts, f.message(t, store.Message{ConversationID: conv, Content: store.Text{Body: "t"}, Date: daysAgo(i * 3)}))
	}
	ballot, err := f.qs.InsertBallot(ctx, &store.BallotRecord{ConversationID: conv, Title: "lunch?"})
	if err != nil {
		t.Fatal(err)
	}
	poll := f.message(t, store.Message{ConversationID: conv,
		Content: store.Ballot{BallotID: store.PermanentID(store.EntityBallot, ballot)}, Date: daysAgo(40)})
	// Point the conversation at a message that retention removes.
	if err := f.qs.SetLastMessage(ctx, conv, texts[9], time.Now()); err != nil {
		t.Fatal(err)
	}

	ch, unsub := f.b.Subscribe(bus.KindBatchDeletedOld, 1)
	defer unsub()

	n, err := f.d.DeleteMessages(ctx, Criteria{OlderThan: daysAgo(20), Retention: true})
	if err != nil {
		t.Fatal(err)
	}
	// 21, 24 and 27 days old.
	if n != 3 {
		t.Errorf("deleted %d, want 3", n)
	}
	for i, id := range texts {
		ok, err := f.qs.Exists(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if want := i*3 < 20; ok != want {
			t.Errorf("text %d days old exists = %v, want %v", i*3, ok, want)
		}
	}
	if ok, _ := f.qs.Exists(ctx, poll); !ok {
		t.Error("open poll was deleted")
	}

	c, err := f.qs.GetConversation(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if !c.LastMessageID.IsZero() {
		t.Errorf("last message = %v, want cleared", c.LastMessageID)
	}

	select {
	case evt := <-ch:
		if got := evt.Payload.(bus.BatchDeleted); got.Count != 3 || !got.Conversation.IsZero() {
			t.Errorf("event payload = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for batch_deleted_old")
	}
}

func TestRetentionSparesStarred(t *testing.T) {
	f := setup(t)
	conv := f.conversation(t)
	starred := store.Message{ConversationID: conv, Content: store.Text{Body: "keep"}, Date: daysAgo(50), Starred: true}
	kept := f.message(t, starred)
	f.message(t, store.Message{ConversationID: conv, Content: store.Text{Body: "drop"}, Date: daysAgo(50)})

	n, err := f.d.DeleteMessages(context.Background(), Criteria{OlderThan: daysAgo(20), Retention: true})
	if err != nil || n != 1 {
		t.Fatalf("DeleteMessages = %d, %v; want 1", n, err)
	}
	if ok, _ := f.qs.Exists(context.Background(), kept); !ok {
		t.Error("starred message was deleted")
	}
}

func TestDeleteMessagesInChunks(t *testing.T) {
	f := setup(t, WithBatchSize(3))
	conv := f.conversation(t)
	for range 10 {
		f.message(t, store.Message{ConversationID: conv, Content: store.Text{Body: "x"}, Date: daysAgo(1)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if n, err := f.d.DeleteMessages(ctx, Criteria{Conversation: conv}); !errors.Is(err, context.Canceled) || n != 0 {
		t.Errorf("canceled DeleteMessages = %d, %v", n, err)
	}

	n, err := f.d.DeleteMessages(context.Background(), Criteria{Conversation: conv})
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Errorf("deleted %d, want 10", n)
	}
	if left := f.count(t, `SELECT COUNT(*) FROM messages`); left != 0 {
		t.Errorf("%d messages left", left)
	}
}

func TestDeleteMessageContentIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	conv := f.conversation(t)
	msg, file := f.mediaMessage(t, conv, daysAgo(1))
	if err := f.qs.AddReaction(ctx, &store.Reaction{MessageID: msg, Emoji: "👍", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := f.qs.AddEditHistory(ctx, &store.EditHistoryEntry{MessageID: msg, Text: "old", EditedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if err := f.d.DeleteMessageContent(ctx, msg); err != nil {
		t.Fatal(err)
	}
	once, err := f.qs.GetMessage(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.d.DeleteMessageContent(ctx, msg); err != nil {
		t.Fatal(err)
	}
	twice, err := f.qs.GetMessage(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("second wipe changed the message:\n%+v\n%+v", once, twice)
	}
	if once.State != store.StateWiped || once.DeletedAt == nil {
		t.Errorf("state = %v deletedAt = %v", once.State, once.DeletedAt)
	}
	if once.Kind() != store.KindImage {
		t.Errorf("kind = %v, want image kept", once.Kind())
	}
	if got := once.Content.(store.Media); got.BlobID != "" {
		t.Errorf("blob id = %q, want cleared", got.BlobID)
	}
	reactions, edits, err := f.qs.CountMessageHistory(ctx, msg)
	if err != nil || reactions != 0 || edits != 0 {
		t.Errorf("history = %d/%d, %v", reactions, edits, err)
	}
	if n := f.count(t, `SELECT COUNT(*) FROM media_blobs`); n != 0 {
		t.Errorf("%d media rows left", n)
	}
	if _, err := f.dir.Read(file); err == nil {
		t.Errorf("media file %s still present", file)
	}

	missing := store.PermanentID(store.EntityMessage, 999)
	if err := f.d.DeleteMessageContent(ctx, missing); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("wipe missing = %v, want ErrNotFound", err)
	}
}

func TestDeletingLastMessageIsRefused(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	conv := f.conversation(t)
	last := f.message(t, store.Message{ConversationID: conv, Content: store.Text{Body: "last"}, Date: daysAgo(0)})
	if err := f.qs.SetLastMessage(ctx, conv, last, time.Now()); err != nil {
		t.Fatal(err)
	}

	err := f.m.Perform(ctx, dbctx.ForegroundMode, func(c *dbctx.Context) error {
		return c.DeleteMessage(ctx, last)
	})
	var integrity *store.IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("err = %v, want IntegrityError", err)
	}
	if ok, _ := f.qs.Exists(ctx, last); !ok {
		t.Error("message was deleted despite the refusal")
	}

	// Going through the destroyer clears the reference first.
	if _, err := f.d.DeleteMessages(ctx, Criteria{Conversation: conv}); err != nil {
		t.Fatal(err)
	}
	c, _ := f.qs.GetConversation(ctx, conv)
	if !c.LastMessageID.IsZero() {
		t.Errorf("last message = %v", c.LastMessageID)
	}
}

func TestDeleteConversation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	conv := f.conversation(t)
	other := f.conversation(t)
	f.message(t, store.Message{ConversationID: conv, Content: store.Text{Body: "a"}, Date: daysAgo(2)})
	_, file := f.mediaMessage(t, conv, daysAgo(1))
	kept := f.message(t, store.Message{ConversationID: other, Content: store.Text{Body: "b"}, Date: daysAgo(1)})
	if _, err := f.qs.InsertBallot(ctx, &store.BallotRecord{ConversationID: conv, Title: "poll"}); err != nil {
		t.Fatal(err)
	}
	if err := f.qs.SaveDraft(ctx, &store.Draft{ConversationID: conv, Text: "unsent", UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := f.qs.SaveDisplayState(ctx, &store.DisplayState{ConversationID: conv, Wallpaper: "dots"}); err != nil {
		t.Fatal(err)
	}

	ch, unsub := f.b.Subscribe(bus.KindBatchDeletedConversation, 1)
	defer unsub()

	if err := f.d.DeleteConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	if c, _ := f.qs.GetConversation(ctx, conv); c != nil {
		t.Error("conversation still exists")
	}
	if d, _ := f.qs.GetDraft(ctx, conv); d != nil {
		t.Error("draft still exists")
	}
	if n := f.count(t, `SELECT COUNT(*) FROM ballots`); n != 0 {
		t.Errorf("%d ballots left", n)
	}
	if ok, _ := f.qs.Exists(ctx, kept); !ok {
		t.Error("message of another conversation was deleted")
	}
	if _, err := f.dir.Read(file); err == nil {
		t.Error("media file still present")
	}

	select {
	case evt := <-ch:
		if got := evt.Payload.(bus.BatchDeleted); got.Conversation != conv || got.Count != 2 {
			t.Errorf("payload = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for batch_deleted_conversation")
	}
}

func TestDeleteContact(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	contactRow, err := f.qs.InsertContact(ctx, &store.Contact{Identity: "BOBBOB01"})
	if err != nil {
		t.Fatal(err)
	}
	contact := store.PermanentID(store.EntityContact, contactRow)
	groupRow, err := f.qs.InsertGroup(ctx, &store.Group{GroupKey: "g1", Name: "team", Members: []store.ObjectID{contact}})
	if err != nil {
		t.Fatal(err)
	}
	group := store.PermanentID(store.EntityGroup, groupRow)

	direct, err := f.qs.InsertConversation(ctx, &store.Conversation{ContactID: contact})
	if err != nil {
		t.Fatal(err)
	}
	directID := store.PermanentID(store.EntityConversation, direct)
	groupConv, err := f.qs.InsertConversation(ctx, &store.Conversation{GroupID: group})
	if err != nil {
		t.Fatal(err)
	}
	groupConvID := store.PermanentID(store.EntityConversation, groupConv)

	f.message(t, store.Message{ConversationID: directID, SenderID: contact, Content: store.Text{Body: "hi"}, Date: daysAgo(1)})
	fromBob := f.message(t, store.Message{ConversationID: groupConvID, SenderID: contact, Content: store.Text{Body: "hey all"}, Date: daysAgo(1)})
	mine := f.message(t, store.Message{ConversationID: groupConvID, IsOwn: true, Content: store.Text{Body: "hey bob"}, Date: daysAgo(0)})
	if err := f.qs.SetLastMessage(ctx, groupConvID, fromBob, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := f.d.DeleteContact(ctx, contact); err != nil {
		t.Fatal(err)
	}
	if c, _ := f.qs.GetContact(ctx, contact); c != nil {
		t.Error("contact still exists")
	}
	if c, _ := f.qs.GetConversation(ctx, directID); c != nil {
		t.Error("1:1 conversation still exists")
	}
	if ok, _ := f.qs.Exists(ctx, fromBob); ok {
		t.Error("group message from contact still exists")
	}
	if ok, _ := f.qs.Exists(ctx, mine); !ok {
		t.Error("own group message was deleted")
	}
	g, err := f.qs.GetGroup(ctx, group)
	if err != nil || g == nil || len(g.Members) != 0 {
		t.Errorf("group = %+v, %v; want no members", g, err)
	}
}

func TestDeleteMediaOlderThan(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	conv := f.conversation(t)
	old, oldFile := f.mediaMessage(t, conv, daysAgo(30))
	recent, recentFile := f.mediaMessage(t, conv, daysAgo(1))

	n, err := f.d.DeleteMediaOlderThan(ctx, daysAgo(10), nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("affected %d, want 1", n)
	}

	msg, err := f.qs.GetMessage(ctx, old)
	if err != nil || msg == nil {
		t.Fatalf("old message = %v, %v; want kept", msg, err)
	}
	if got := msg.Content.(store.Media); got.BlobID != "" || got.MIMEType == "" {
		t.Errorf("old media content = %+v", got)
	}
	if _, err := f.dir.Read(oldFile); err == nil {
		t.Error("old media file still present")
	}
	if _, err := f.dir.Read(recentFile); err != nil {
		t.Errorf("recent media file: %v", err)
	}
	if got, _ := f.qs.GetMessage(ctx, recent); got.Content.(store.Media).BlobID == "" {
		t.Error("recent message lost its blob id")
	}
}

func TestOrphanedFiles(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	conv := f.conversation(t)
	_, file := f.mediaMessage(t, conv, daysAgo(1))
	if err := f.dir.Write("image-999", []byte("stray")); err != nil {
		t.Fatal(err)
	}

	orphans, referenced, err := f.d.OrphanedFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if referenced != 1 {
		t.Errorf("referenced = %d, want 1", referenced)
	}
	if len(orphans) != 1 || orphans[0] != "image-999" {
		t.Fatalf("orphans = %v", orphans)
	}

	n, err := f.d.DeleteOrphanedFiles(ctx, append(orphans, file))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, err := f.dir.Read(file); err != nil {
		t.Errorf("referenced file was removed: %v", err)
	}
}

func TestOrphanScanSpansPages(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	conv := f.conversation(t)
	for range 3*orphanPageSize + 5 {
		f.mediaMessage(t, conv, daysAgo(1))
	}
	if err := f.dir.Write("image-9999", []byte("stray")); err != nil {
		t.Fatal(err)
	}

	orphans, referenced, err := f.d.OrphanedFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if referenced != 3*orphanPageSize+5 {
		t.Errorf("referenced = %d, want %d", referenced, 3*orphanPageSize+5)
	}
	if !reflect.DeepEqual(orphans, []string{"image-9999"}) {
		t.Errorf("orphans = %v, want [image-9999]", orphans)
	}
}
