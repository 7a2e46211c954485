package dbctx

import (
	"time"

	"github.com/matheus3301/msgstore/internal/media"
	"github.com/matheus3301/msgstore/internal/store"
)

// FatalHandler is called when a commit fails. The default handler logs at
// fatal level, which exits the process.
type FatalHandler func(err error)

// RemapHook receives the provisional→permanent ID table of a save. It runs
// synchronously before the commit.
type RemapHook func(remap map[store.ObjectID]store.ObjectID)

// SaveRecorder observes completed saves.
type SaveRecorder interface {
	ObserveSave(role string, d time.Duration, err error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithFatalHandler replaces the commit failure handler.
func WithFatalHandler(h FatalHandler) Option {
	return func(m *Manager) { m.fatal = h }
}

// WithMediaDir enables writing large blobs to an external directory.
func WithMediaDir(d *media.Dir) Option {
	return func(m *Manager) { m.media = d }
}

// WithRecorder reports save durations and failures.
func WithRecorder(r SaveRecorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithBackgroundWorkers bounds how many background derived contexts run at once.
func WithBackgroundWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.backgroundWorkers = int64(n)
		}
	}
}
