package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/msgstore/internal/observe"
	"github.com/matheus3301/msgstore/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func field(req *structpb.Struct, key string) *structpb.Value {
	if req == nil {
		return nil
	}
	return req.GetFields()[key]
}

func stringField(req *structpb.Struct, key string) string {
	return field(req, key).GetStringValue()
}

func intField(req *structpb.Struct, key string) int {
	return int(field(req, key).GetNumberValue())
}

func boolField(req *structpb.Struct, key string) bool {
	return field(req, key).GetBoolValue()
}

func listField(req *structpb.Struct, key string) []string {
	var out []string
	for _, v := range field(req, key).GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func timeField(req *structpb.Struct, key string) (*time.Time, error) {
	s := stringField(req, key)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", key, err)
	}
	return &t, nil
}

func objectField(req *structpb.Struct, key string) (store.ObjectID, error) {
	uri := stringField(req, key)
	if uri == "" {
		return store.ObjectID{}, grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	id, err := store.ParseObjectID(uri)
	if err != nil {
		return store.ObjectID{}, grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", key, err)
	}
	return id, nil
}

func response(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// writeError maps store errors of write methods to gRPC codes.
func writeError(op string, err error) error {
	var integrity *store.IntegrityError
	switch {
	case errors.As(err, &integrity):
		return grpcstatus.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, observe.ErrEntityNotObservable):
		return grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	default:
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func uris(ids []store.ObjectID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id.URI()
	}
	return out
}

func messageFields(m *store.Message) map[string]any {
	if m == nil {
		return nil
	}
	f := map[string]any{
		"id":           m.ID.URI(),
		"conversation": m.ConversationID.String(),
		"sender":       m.SenderID.String(),
		"remote_id":    m.RemoteID,
		"kind":         string(m.Kind()),
		"date":         formatTime(m.Date),
		"sent_date":    formatTime(m.RemoteSentDate),
		"is_own":       m.IsOwn,
		"read":         m.Read,
		"delivered":    m.Delivered,
		"starred":      m.Starred,
		"state":        string(m.State),
	}
	switch c := m.Content.(type) {
	case store.Text:
		f["body"] = c.Body
	case store.Media:
		f["mime_type"] = c.MIMEType
		f["caption"] = c.Caption
		f["filename"] = c.Filename
		f["has_blob"] = c.BlobID != ""
	case store.Location:
		f["latitude"] = c.Latitude
		f["longitude"] = c.Longitude
		f["poi_name"] = c.POIName
	case store.System:
		f["system_type"] = c.Type
	case store.Ballot:
		f["ballot"] = c.BallotID.String()
	case nil:
	default:
		f["body"] = fmt.Sprint(c)
	}
	return f
}
