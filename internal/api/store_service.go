package api

import (
	"context"
	"time"

	"github.com/matheus3301/msgstore/internal/bus"
	"github.com/matheus3301/msgstore/internal/dbctx"
	"github.com/matheus3301/msgstore/internal/destroy"
	"github.com/matheus3301/msgstore/internal/observe"
	"github.com/matheus3301/msgstore/internal/provider"
	"github.com/matheus3301/msgstore/internal/query"
	"github.com/matheus3301/msgstore/internal/retention"
	"github.com/matheus3301/msgstore/internal/status"
	"github.com/matheus3301/msgstore/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// watchBuffer is how many pending changes a WatchChanges stream holds
// before dropping.
const watchBuffer = 64

// Options tunes the read paths.
type Options struct {
	Window              provider.Config
	ExcludedSystemTypes []int
	Recorder            provider.SnapshotRecorder
}

// StoreService implements msgstore.v1.Store.
type StoreService struct {
	profile   string
	startedAt time.Time
	machine   *status.Machine
	m         *dbctx.Manager
	destroyer *destroy.Destroyer
	retention *retention.Job
	observer  *observe.Observer
	opts      Options
	logger    *zap.Logger
}

// NewStoreService creates the service.
func NewStoreService(
	profile string,
	machine *status.Machine,
	m *dbctx.Manager,
	d *destroy.Destroyer,
	job *retention.Job,
	obs *observe.Observer,
	opts Options,
	logger *zap.Logger,
) *StoreService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreService{
		profile:   profile,
		startedAt: time.Now(),
		machine:   machine,
		m:         m,
		destroyer: d,
		retention: job,
		observer:  obs,
		opts:      opts,
		logger:    logger,
	}
}

func (s *StoreService) fetcher(conv store.ObjectID) *query.Fetcher {
	return query.NewFetcher(s.m.DB(), conv, s.logger,
		query.WithExcludedSystemTypes(s.opts.ExcludedSystemTypes))
}

func (s *StoreService) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	current := s.machine.Current()
	since := s.machine.Since()
	resp := map[string]any{
		"profile":      s.profile,
		"status":       string(current),
		"status_since": formatTime(&since),
		"uptime_ms":    time.Since(s.startedAt).Milliseconds(),
	}
	if v, err := s.m.DB().SchemaVersion(); err == nil {
		resp["schema_version"] = int64(v)
	} else {
		s.logger.Warn("schema version unavailable", zap.Error(err))
	}
	if s.retention != nil {
		if last := s.retention.LastRun(ctx); !last.IsZero() {
			resp["last_retention_run"] = formatTime(&last)
		}
	}
	return response(resp)
}

// CountMessages returns the number of visible messages of a conversation
// and, when "after" is set, how many are dated strictly after it.
func (s *StoreService) CountMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := objectField(req, "conversation")
	if err != nil {
		return nil, err
	}
	after, err := timeField(req, "after")
	if err != nil {
		return nil, err
	}
	f := s.fetcher(conv)
	resp := map[string]any{"count": f.Count(ctx)}
	if after != nil {
		resp["after"] = f.CountAfter(ctx, *after)
	}
	return response(resp)
}

// FetchWindow returns one window of a conversation as day sections,
// positioned at the newest messages or around "around". "grow" extends
// it once towards "top" or "bottom".
func (s *StoreService) FetchWindow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := objectField(req, "conversation")
	if err != nil {
		return nil, err
	}
	around, err := timeField(req, "around")
	if err != nil {
		return nil, err
	}
	cfg := s.opts.Window
	if n := intField(req, "size"); n > 0 {
		cfg.WindowSize = n
	}

	p := provider.New(s.fetcher(conv), s.m.Bus(), cfg, s.logger, around)
	snap := <-p.Snapshots()
	grown := false
	switch stringField(req, "grow") {
	case "":
	case "top":
		grown = p.LoadMessagesAtTop()
	case "bottom":
		grown = p.LoadMessagesAtBottom()
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "grow must be top or bottom")
	}
	if grown {
		select {
		case snap = <-p.Snapshots():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.opts.Recorder != nil {
		s.opts.Recorder.ObserveSnapshot(len(snap.IDs()), len(snap.Reload), len(snap.Reconfigure))
	}

	sections := make([]any, 0, len(snap.Sections))
	for _, sec := range snap.Sections {
		msgs := make([]any, 0, len(sec.Items))
		for _, id := range sec.Items {
			if m := p.Message(id); m != nil {
				msgs = append(msgs, messageFields(m))
			}
		}
		sections = append(sections, map[string]any{"day": sec.Label(), "messages": msgs})
	}
	offset, size := p.Window()
	return response(map[string]any{
		"offset":        offset,
		"size":          size,
		"oldest_loaded": snap.OldestLoaded,
		"newest_loaded": snap.NewestLoaded,
		"sections":      sections,
	})
}

// LastDisplayMessage returns the message shown as the conversation
// preview, or no "message" field for an empty conversation.
func (s *StoreService) LastDisplayMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := objectField(req, "conversation")
	if err != nil {
		return nil, err
	}
	resp := map[string]any{}
	if m := s.fetcher(conv).LastDisplayMessage(ctx); m != nil {
		resp["message"] = messageFields(m)
	}
	return response(resp)
}

// DeleteMessageContent wipes one message.
func (s *StoreService) DeleteMessageContent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.m.ObjectID(ctx, stringField(req, "message"))
	if err != nil {
		return nil, writeError("wipe message", err)
	}
	if id.Entity != store.EntityMessage {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s is not a message", id)
	}
	if err := s.destroyer.DeleteMessageContent(ctx, id); err != nil {
		return nil, writeError("wipe message", err)
	}
	return response(map[string]any{"message": id.URI(), "state": string(store.StateWiped)})
}

// RunRetention runs one retention pass now.
func (s *StoreService) RunRetention(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.retention == nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "retention not configured")
	}
	res, err := s.retention.RunOnce(ctx)
	if err != nil {
		return nil, writeError("run retention", err)
	}
	return response(map[string]any{"messages": res.Messages, "media": res.Media})
}

// OrphanedFiles lists media files no record references and removes them
// when "delete" is true.
func (s *StoreService) OrphanedFiles(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orphans, referenced, err := s.destroyer.OrphanedFiles(ctx)
	if err != nil {
		return nil, writeError("scan media", err)
	}
	resp := map[string]any{
		"orphans":    stringsToList(orphans),
		"referenced": referenced,
	}
	if boolField(req, "delete") {
		n, err := s.destroyer.DeleteOrphanedFiles(ctx, orphans)
		if err != nil {
			return nil, writeError("delete orphaned files", err)
		}
		resp["removed"] = n
	}
	return response(resp)
}

func stringsToList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// WatchChanges streams store changes. With "objects" set it follows only
// those contacts, conversations and groups.
func (s *StoreService) WatchChanges(req *structpb.Struct, stream ChangeStream) error {
	objects := listField(req, "objects")
	if len(objects) == 0 {
		return s.watchStore(stream)
	}
	return s.watchObjects(objects, stream)
}

func (s *StoreService) watchStore(stream ChangeStream) error {
	ch, unsub := s.m.Bus().Subscribe(bus.NamespaceStore, watchBuffer)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			fields := map[string]any{
				"event_id":    evt.ID.String(),
				"kind":        evt.Kind,
				"occurred_at": formatTime(&evt.Timestamp),
			}
			switch p := evt.Payload.(type) {
			case bus.ObjectsChanged:
				fields["inserted"] = uris(p.Inserted)
				fields["updated"] = uris(p.Updated)
				fields["deleted"] = uris(p.Deleted)
			case bus.BatchDeleted:
				fields["conversation"] = p.Conversation.String()
				fields["count"] = p.Count
			}
			out, err := response(fields)
			if err != nil {
				return err
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

type objectChange struct {
	id     store.ObjectID
	reason observe.Reason
}

func (s *StoreService) watchObjects(objects []string, stream ChangeStream) error {
	if s.observer == nil {
		return grpcstatus.Errorf(codes.Unavailable, "observer not running")
	}
	changes := make(chan objectChange, watchBuffer)
	var tokens []*observe.Token
	defer func() {
		for _, t := range tokens {
			t.Cancel()
		}
	}()
	for _, uri := range objects {
		id, err := s.m.ObjectID(stream.Context(), uri)
		if err != nil {
			return writeError("watch "+uri, err)
		}
		tok, err := s.observer.Subscribe(id, observe.AnyChange, func(id store.ObjectID, reason observe.Reason) {
			select {
			case changes <- objectChange{id: id, reason: reason}:
			default:
				s.logger.Warn("change stream full, dropping change", zap.Stringer("object", id))
			}
		})
		if err != nil {
			return writeError("watch "+uri, err)
		}
		tokens = append(tokens, tok)
	}

	for {
		select {
		case c := <-changes:
			out, err := response(map[string]any{
				"kind":   "object_changed",
				"object": c.id.URI(),
				"reason": c.reason.String(),
			})
			if err != nil {
				return err
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
