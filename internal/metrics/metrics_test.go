package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/msgstore/internal/bus"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRecorders(t *testing.T) {
	m := New()
	m.ObserveSave("primary", 3*time.Millisecond, nil)
	m.ObserveSave("background", time.Millisecond, errors.New("boom"))
	m.ObserveDeleted("messages", 5)
	m.ObserveDeleted("messages", 2)
	m.ObserveSnapshot(120, 3, 1)

	body := scrape(t, m.Handler())
	for _, want := range []string{
		`msgstore_saves_total{result="ok",role="primary"} 1`,
		`msgstore_saves_total{result="error",role="background"} 1`,
		`msgstore_save_duration_seconds_count{role="primary"} 1`,
		`msgstore_deleted_total{what="messages"} 7`,
		`msgstore_snapshots_total 1`,
		`msgstore_window_items 120`,
		`msgstore_snapshot_reloaded_items_total 3`,
		`msgstore_snapshot_reconfigured_items_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestWatchBus(t *testing.T) {
	m := New()
	b := bus.New()
	m.WatchBus(b)

	_, unsub := b.Subscribe(bus.NamespaceStore, 1)
	defer unsub()
	b.Publish(bus.Event{Kind: bus.KindObjectsChanged})
	b.Publish(bus.Event{Kind: bus.KindObjectsChanged})

	if body := scrape(t, m.Handler()); !strings.Contains(body, "msgstore_bus_dropped_events_total 1") {
		t.Errorf("scrape missing dropped count:\n%s", body)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ObserveDeleted("files", 1)
	if strings.Contains(scrape(t, b.Handler()), `msgstore_deleted_total{what="files"}`) {
		t.Error("second registry saw the first one's samples")
	}
}

func TestServer(t *testing.T) {
	m := New()
	srv, err := m.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	defer func() { _ = srv.Shutdown(context.Background()) }()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("scrape missing go collector output")
	}
}
