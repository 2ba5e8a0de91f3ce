package synckit

import "time"

// EventType names a notification emitted by the sync layer.
type EventType string

const (
	EventRecordUpdated    EventType = "record_updated"
	EventSyncFailed       EventType = "sync_failed"
	EventConflictDetected EventType = "conflict_detected"
)

// Event is a notification for the presentation layer. Which fields are set depends on Type:
//
//	record_updated:    Old (nil for a new record), New
//	sync_failed:       Entry, Reason
//	conflict_detected: Local, Remote, Resolved (nil when rejected), Conflicts
type Event struct {
	Type     EventType `json:"type"`
	Kind     Kind      `json:"kind"`
	RecordID string    `json:"record_id"`
	At       time.Time `json:"at"`

	Old *Record `json:"old,omitempty"`
	New *Record `json:"new,omitempty"`

	Entry  *ChangeEntry `json:"entry,omitempty"`
	Reason string       `json:"reason,omitempty"`

	Local     *Record         `json:"local,omitempty"`
	Remote    *Record         `json:"remote,omitempty"`
	Resolved  *Record         `json:"resolved,omitempty"`
	Conflicts []FieldConflict `json:"conflicts,omitempty"`
}

// Key returns the identity of the record the event concerns.
func (e Event) Key() Key { return Key{Kind: e.Kind, ID: e.RecordID} }

// Publisher accepts events without blocking on delivery.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// NopPublisher drops every event.
var NopPublisher Publisher = nopPublisher{}

func recordUpdated(old *Record, rec Record, at time.Time) Event {
	n := rec.Clone()
	var o *Record
	if old != nil {
		c := old.Clone()
		o = &c
	}
	return Event{Type: EventRecordUpdated, Kind: rec.Kind, RecordID: rec.ID, At: at, Old: o, New: &n}
}

func syncFailed(entry ChangeEntry, reason string, at time.Time) Event {
	e := entry.Clone()
	return Event{Type: EventSyncFailed, Kind: entry.Kind, RecordID: entry.RecordID, At: at, Entry: &e, Reason: reason}
}

func conflictDetected(local, remote Record, res Resolution, at time.Time) Event {
	l, r := local.Clone(), remote.Clone()
	ev := Event{
		Type:      EventConflictDetected,
		Kind:      remote.Kind,
		RecordID:  remote.ID,
		At:        at,
		Local:     &l,
		Remote:    &r,
		Conflicts: append([]FieldConflict(nil), res.Conflicts...),
		Reason:    res.Decision,
	}
	if res.Record != nil {
		resolved := res.Record.Clone()
		ev.Resolved = &resolved
	}
	return ev
}
