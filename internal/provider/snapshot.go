package provider

import (
	"reflect"
	"time"

	"github.com/matheus3301/msgstore/internal/store"
)

// Section groups the messages of one calendar day.
type Section struct {
	Day   time.Time
	Items []store.ObjectID
}

// Label returns the section key in YYYY-MM-DD form.
func (s Section) Label() string {
	return s.Day.Format(time.DateOnly)
}

// Snapshot is what the presentation layer should render now.
type Snapshot struct {
	Sections []Section
	// Reload lists messages whose element must be rebuilt, with their
	// neighbors.
	Reload []store.ObjectID
	// Reconfigure lists messages that only need a lightweight refresh.
	Reconfigure []store.ObjectID

	OldestLoaded bool
	NewestLoaded bool
	// PreviouslyNewestLoaded is NewestLoaded of the snapshot before this one.
	PreviouslyNewestLoaded bool
}

// IDs returns every message of the snapshot in order.
func (s Snapshot) IDs() []store.ObjectID {
	var ids []store.ObjectID
	for _, sec := range s.Sections {
		ids = append(ids, sec.Items...)
	}
	return ids
}

// presentable reports whether a message may appear in a snapshot. Media
// messages are hidden until their MIME type is known.
func presentable(m *store.Message) bool {
	if media, ok := m.Content.(store.Media); ok {
		return media.MIMEType != ""
	}
	return true
}

// needsReload reports whether a message changed in a way that alters how
// it is presented.
func needsReload(prev, cur *store.Message) bool {
	if prev.Kind() != cur.Kind() || prev.State != cur.State {
		return true
	}
	return !sameTime(prev.DeletedAt, cur.DeletedAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func dayOf(m *store.Message, loc *time.Location) time.Time {
	d := m.SortDate().In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
}

// buildSnapshot sections msgs and derives the reload and reconfigure sets
// from the previous window contents and the explicitly updated ids. Only
// messages the previous snapshot presented are compared; one that was
// hidden before is new to the presentation layer.
func buildSnapshot(msgs []store.Message, prev map[store.ObjectID]store.Message, updated map[store.ObjectID]bool, loc *time.Location) Snapshot {
	var (
		snap    Snapshot
		ordered []*store.Message
	)
	shown := func(id store.ObjectID) (store.Message, bool) {
		old, ok := prev[id]
		return old, ok && presentable(&old)
	}
	for i := range msgs {
		m := &msgs[i]
		if !presentable(m) {
			continue
		}
		ordered = append(ordered, m)
		day := dayOf(m, loc)
		if n := len(snap.Sections); n == 0 || !snap.Sections[n-1].Day.Equal(day) {
			snap.Sections = append(snap.Sections, Section{Day: day})
		}
		last := &snap.Sections[len(snap.Sections)-1]
		last.Items = append(last.Items, m.ID)
	}
	snap.Sections = dropEmpty(snap.Sections)

	reload := make(map[store.ObjectID]bool)
	for i, m := range ordered {
		old, ok := shown(m.ID)
		if !ok || !needsReload(&old, m) {
			continue
		}
		reload[m.ID] = true
		if i > 0 {
			reload[ordered[i-1].ID] = true
		}
		if i+1 < len(ordered) {
			reload[ordered[i+1].ID] = true
		}
	}

	for _, m := range ordered {
		if reload[m.ID] {
			snap.Reload = append(snap.Reload, m.ID)
			continue
		}
		old, ok := shown(m.ID)
		if !ok {
			continue
		}
		if updated[m.ID] || !reflect.DeepEqual(old, *m) {
			snap.Reconfigure = append(snap.Reconfigure, m.ID)
		}
	}
	return snap
}

func dropEmpty(sections []Section) []Section {
	out := sections[:0]
	for _, s := range sections {
		if len(s.Items) > 0 {
			out = append(out, s)
		}
	}
	return out
}
