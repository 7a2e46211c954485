package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/msgstore/internal/api"
	"github.com/matheus3301/msgstore/internal/bus"
	"github.com/matheus3301/msgstore/internal/config"
	"github.com/matheus3301/msgstore/internal/profile"
	"github.com/matheus3301/msgstore/internal/status"
	"github.com/matheus3301/msgstore/internal/store"
	intsync "github.com/matheus3301/msgstore/internal/sync"
	"go.uber.org/fx"
)

// testHome points the profile layout at a short temp dir (macOS limits
// Unix socket paths to 104 chars).
func testHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "msgstore-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(profile.BaseDirEnv, dir)
	return dir
}

func startApp(t *testing.T, name string, populate ...any) *fx.App {
	t.Helper()
	opts := []fx.Option{Module(Params{ProfileName: name}), fx.NopLogger}
	if len(populate) > 0 {
		opts = append(opts, fx.Populate(populate...))
	}
	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("app.Start() error = %v", err)
	}
	return app
}

func stopApp(t *testing.T, app *fx.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Errorf("app.Stop() error = %v", err)
	}
}

func dial(t *testing.T, name string) *api.Client {
	t.Helper()
	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDaemonLifecycle(t *testing.T) {
	testHome(t)

	var b *bus.Bus
	app := startApp(t, "test", &b)
	c := dial(t, "test")
	ctx := context.Background()

	resp, err := c.Call(ctx, api.MethodStatus, nil)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if got := resp.Fields["profile"].GetStringValue(); got != "test" {
		t.Errorf("profile = %q, want test", got)
	}
	if got := resp.Fields["status"].GetStringValue(); got != string(status.Ready) {
		t.Errorf("status = %q, want READY", got)
	}

	// An inbound delivery flows through the sync engine into the store.
	ingested, unsub := b.Subscribe(bus.KindMessageIngested, 1)
	defer unsub()
	b.Publish(bus.Event{Kind: bus.KindInboundMessage, Payload: intsync.Delivery{
		SenderIdentity: "ALICE001",
		RemoteID:       "m1",
		Content:        store.Text{Body: "hello"},
		SentAt:         time.Now(),
	}})
	var out intsync.Ingested
	select {
	case evt := <-ingested:
		out = evt.Payload.(intsync.Ingested)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message.ingested event")
	}

	resp, err = c.Call(ctx, api.MethodLastDisplayMessage, map[string]any{"conversation": out.Conversation.URI()})
	if err != nil {
		t.Fatalf("LastDisplayMessage error = %v", err)
	}
	msg := resp.Fields["message"].GetStructValue().GetFields()
	if msg["body"].GetStringValue() != "hello" {
		t.Errorf("last message = %v, want hello", msg)
	}

	stopApp(t, app)
	if _, err := os.Stat(profile.SocketPath("test")); !os.IsNotExist(err) {
		t.Errorf("socket left behind: %v", err)
	}
	if _, err := os.Stat(filepath.Join(profile.Dir("test"), "LOCK")); !os.IsNotExist(err) {
		t.Errorf("lock file left behind: %v", err)
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	testHome(t)
	app := startApp(t, "solo")
	defer stopApp(t, app)

	second := fx.New(Module(Params{ProfileName: "solo", SocketPath: filepath.Join(profile.Dir("solo"), "second.sock")}), fx.NopLogger)
	err := second.Err()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = second.Start(ctx)
	}
	if err == nil || !strings.Contains(err.Error(), "profile lock held") {
		t.Errorf("second daemon error = %v, want profile lock held", err)
	}
}

func TestDaemonUsesConfig(t *testing.T) {
	testHome(t)
	cfg := config.Default()
	cfg.Retention.KeepDays = 7
	cfg.Metrics.Address = "127.0.0.1:0"
	if err := config.Save(profile.ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}

	var loaded *config.Config
	app := startApp(t, "cfg", &loaded)
	defer stopApp(t, app)

	if loaded.Retention.KeepDays != 7 {
		t.Errorf("keep days = %d, want 7", loaded.Retention.KeepDays)
	}
	c := dial(t, "cfg")
	if _, err := c.Call(context.Background(), api.MethodRunRetention, nil); err != nil {
		t.Errorf("RunRetention error = %v", err)
	}
}

// TestFxModuleWiring verifies NewServer resolves from Params alone.
// Regression: a bare `string` param caused fx to fail with "missing type: string".
func TestFxModuleWiring(t *testing.T) {
	testHome(t)
	if err := fx.ValidateApp(Module(Params{ProfileName: "fxtest"}), fx.NopLogger); err != nil {
		t.Fatalf("fx graph invalid: %v", err)
	}
}
