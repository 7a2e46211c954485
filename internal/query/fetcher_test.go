package query

import (
	"context"
	"path/filepath"
	"testing"
	"time"

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

func at(sec int64) *time.Time {
	t := time.Unix(sec, 0)
	return &t
}

func newConversation(t *testing.T, qs *store.Queries, category store.Category) store.ObjectID {
	t.Helper()
	row, err := qs.InsertConversation(context.Background(), &store.Conversation{Category: category})
	if err != nil {
		t.Fatal(err)
	}
	return store.PermanentID(store.EntityConversation, row)
}

func insert(t *testing.T, qs *store.Queries, m store.Message) store.ObjectID {
	t.Helper()
	row, err := qs.InsertMessage(context.Background(), &m)
	if err != nil {
		t.Fatal(err)
	}
	return store.PermanentID(store.EntityMessage, row)
}

func text(conv store.ObjectID, body string, sec int64) store.Message {
	return store.Message{ConversationID: conv, Content: store.Text{Body: body}, Date: at(sec)}
}

func bodies(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		switch c := m.Content.(type) {
		case store.Text:
			out[i] = c.Body
		default:
			out[i] = string(m.Kind())
		}
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMessagesTotalOrder(t *testing.T) {
	db := testDB(t)
	qs := db.Queries()
	conv := newConversation(t, qs, store.CategoryNormal)

	insert(t, qs, text(conv, "c", 30))
	insert(t, qs, text(conv, "a", 10))
	// No local date: ordered by the remote sent date.
	insert(t, qs, store.Message{ConversationID: conv, Content: store.Text{Body: "b"}, RemoteSentDate: at(20)})
	// Same date as "c", inserted later.
	insert(t, qs, text(conv, "d", 30))

	f := NewFetcher(db, conv, nil)
	ctx := context.Background()

	if got := bodies(f.Messages(ctx, 0, 0)); !equal(got, []string{"a", "b", "c", "d"}) {
		t.Errorf("ascending = %v", got)
	}
	// Repeating the query yields the same order.
	if got := bodies(f.Messages(ctx, 0, 0)); !equal(got, []string{"a", "b", "c", "d"}) {
		t.Errorf("second ascending = %v", got)
	}
	if got := bodies(f.Messages(ctx, 1, 2)); !equal(got, []string{"b", "c"}) {
		t.Errorf("window = %v, want [b c]", got)
	}
	if got := f.Messages(ctx, 10, 5); len(got) != 0 {
		t.Errorf("offset past end = %v, want empty", bodies(got))
	}

	desc := NewFetcher(db, conv, nil, Descending())
	if got := bodies(desc.Messages(ctx, 0, 0)); !equal(got, []string{"d", "c", "b", "a"}) {
		t.Errorf("descending = %v", got)
	}
}

func TestCountAndCountAfter(t *testing.T) {
	db := testDB(t)
	qs := db.Queries()
	conv := newConversation(t, qs, store.CategoryNormal)
	other := newConversation(t, qs, store.CategoryNormal)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		insert(t, qs, text(conv, "m", i*10))
	}
	insert(t, qs, text(other, "elsewhere", 100))
	insert(t, qs, store.Message{ConversationID: conv, Content: store.Text{Body: "x"}, WillBeDeleted: true})

	f := NewFetcher(db, conv, nil)
	if got := f.Count(ctx); got != 5 {
		t.Errorf("Count = %d, want 5", got)
	}
	if got := f.CountAfter(ctx, time.Unix(30, 0)); got != 2 {
		t.Errorf("CountAfter(30) = %d, want 2 (strictly after)", got)
	}
	select {
	case got := <-f.CountAfterAsync(ctx, time.Unix(0, 0)):
		if got != 5 {
			t.Errorf("CountAfterAsync = %d, want 5", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for async count")
	}
	if got := f.OldestMessageDate(ctx); got == nil || got.Unix() != 10 {
		t.Errorf("OldestMessageDate = %v, want 10s", got)
	}
}

func TestCountFailureIsZero(t *testing.T) {
	db := testDB(t)
	f := NewFetcher(db, store.PermanentID(store.EntityConversation, 1), nil)
	_ = db.Close()

	if got := f.Count(context.Background()); got != 0 {
		t.Errorf("Count on closed db = %d, want 0", got)
	}
	if got := f.Messages(context.Background(), 0, 10); got != nil {
		t.Errorf("Messages on closed db = %v, want nil", got)
	}
}

func TestUnreadRejectedMedia(t *testing.T) {
	db := testDB(t)
	qs := db.Queries()
	conv := newConversation(t, qs, store.CategoryNormal)
	ctx := context.Background()

	insert(t, qs, text(conv, "read", 1))
	u1 := text(conv, "unread-old", 2)
	insert(t, qs, u1)
	own := text(conv, "own", 3)
	own.IsOwn = true
	own.Rejected = true
	insert(t, qs, own)
	insert(t, qs, text(conv, "unread-new", 4))
	insert(t, qs, store.Message{ConversationID: conv, Content: store.Media{MediaKind: store.KindVideo, MIMEType: "video/mp4"}, Date: at(5), Read: true})

	if _, err := db.Exec(`UPDATE messages SET read = 1 WHERE text = 'read'`); err != nil {
		t.Fatal(err)
	}

	f := NewFetcher(db, conv, nil)
	if got := bodies(f.Unread(ctx, 10)); !equal(got, []string{"unread-new", "unread-old"}) {
		t.Errorf("Unread = %v", got)
	}
	if got := bodies(f.Unread(ctx, 1)); !equal(got, []string{"unread-new"}) {
		t.Errorf("Unread(1) = %v", got)
	}
	if got := bodies(f.Rejected(ctx)); !equal(got, []string{"own"}) {
		t.Errorf("Rejected = %v", got)
	}
	if got := bodies(f.Media(ctx)); !equal(got, []string{"video"}) {
		t.Errorf("Media = %v", got)
	}
}

func TestLastDisplayMessage(t *testing.T) {
	const hidden = 7
	ctx := context.Background()

	t.Run("skips excluded system messages", func(t *testing.T) {
		db := testDB(t)
		qs := db.Queries()
		conv := newConversation(t, qs, store.CategoryNormal)
		insert(t, qs, text(conv, "visible", 1))
		insert(t, qs, store.Message{ConversationID: conv, Content: store.System{Type: hidden}, Date: at(2)})

		f := NewFetcher(db, conv, nil, WithExcludedSystemTypes([]int{hidden}))
		got := f.LastDisplayMessage(ctx)
		if got == nil || bodies([]store.Message{*got})[0] != "visible" {
			t.Errorf("LastDisplayMessage = %v, want visible", got)
		}
	})

	t.Run("falls back to newest past lookback", func(t *testing.T) {
		db := testDB(t)
		qs := db.Queries()
		conv := newConversation(t, qs, store.CategoryNormal)
		insert(t, qs, text(conv, "too-old", 1))
		var newest store.ObjectID
		for i := int64(0); i < DefaultLookback; i++ {
			newest = insert(t, qs, store.Message{ConversationID: conv, Content: store.System{Type: hidden}, Date: at(10 + i)})
		}

		f := NewFetcher(db, conv, nil, WithExcludedSystemTypes([]int{hidden}))
		got := f.LastDisplayMessage(ctx)
		if got == nil || got.ID != newest {
			t.Errorf("LastDisplayMessage = %v, want newest %v", got, newest)
		}
	})

	t.Run("empty conversation", func(t *testing.T) {
		db := testDB(t)
		conv := newConversation(t, db.Queries(), store.CategoryNormal)
		if got := NewFetcher(db, conv, nil).LastDisplayMessage(ctx); got != nil {
			t.Errorf("LastDisplayMessage = %v, want nil", got)
		}
	})
}

func TestFilterExcludesOpenBallotsAndStarred(t *testing.T) {
	db := testDB(t)
	qs := db.Queries()
	conv := newConversation(t, qs, store.CategoryNormal)
	ctx := context.Background()

	open, err := qs.InsertBallot(ctx, &store.BallotRecord{ConversationID: conv, Title: "open"})
	if err != nil {
		t.Fatal(err)
	}
	closed, err := qs.InsertBallot(ctx, &store.BallotRecord{ConversationID: conv, Title: "closed", Closed: true})
	if err != nil {
		t.Fatal(err)
	}
	openMsg := insert(t, qs, store.Message{ConversationID: conv, Content: store.Ballot{BallotID: store.PermanentID(store.EntityBallot, open)}, Date: at(1)})
	closedMsg := insert(t, qs, store.Message{ConversationID: conv, Content: store.Ballot{BallotID: store.PermanentID(store.EntityBallot, closed)}, Date: at(2)})
	starred := text(conv, "keep", 3)
	starred.Starred = true
	insert(t, qs, starred)
	plain := insert(t, qs, text(conv, "plain", 4))

	query, args := NewFilter().ForConversation(conv).ExcludeOpenBallots().Starred(false).OlderThan(time.Unix(100, 0)).SelectIDs(0)
	rows, err := db.Query(query, args...)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rows.Close() }()
	var got []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			t.Fatal(err)
		}
		got = append(got, id)
	}
	if len(got) != 2 || got[0] != closedMsg.Row() || got[1] != plain.Row() {
		t.Errorf("ids = %v, want [%d %d] (open ballot %d excluded)", got, closedMsg.Row(), plain.Row(), openMsg.Row())
	}
}

func TestSearch(t *testing.T) {
	db := testDB(t)
	qs := db.Queries()
	normal := newConversation(t, qs, store.CategoryNormal)
	private := newConversation(t, qs, store.CategoryPrivate)
	ctx := context.Background()

	insert(t, qs, text(normal, "meet at the lake", 1))
	insert(t, qs, store.Message{ConversationID: normal, Content: store.Location{POIName: "Lakeside"}, Date: at(2)})
	insert(t, qs, text(private, "secret lake", 3))
	insert(t, qs, text(normal, "100% sure", 4))

	got, err := Search(ctx, db, SearchOptions{Text: "lake"})
	if err != nil {
		t.Fatal(err)
	}
	if b := bodies(got); !equal(b, []string{"location", "meet at the lake"}) {
		t.Errorf("Search(lake) = %v", b)
	}

	got, err = Search(ctx, db, SearchOptions{Text: "0%"})
	if err != nil {
		t.Fatal(err)
	}
	if b := bodies(got); !equal(b, []string{"100% sure"}) {
		t.Errorf("Search(0%%) = %v", b)
	}

	got, err = Search(ctx, db, SearchOptions{Text: "  "})
	if err != nil || got != nil {
		t.Errorf("blank search = %v, %v", got, err)
	}
}
