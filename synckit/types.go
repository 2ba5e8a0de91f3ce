// Package synckit keeps a local record cache consistent with a remote quoting API.
//
// Local edits are appended to a ChangeJournal and drained to a QuoteGateway by the
// Engine. Authoritative results land in a RecordStore; version mismatches are merged
// by a ConflictResolver and every outcome is published as an Event.
package synckit

import (
	"fmt"
	"time"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
)

// Kind is the type of a synchronized record.
type Kind string

const (
	KindDeal          Kind = "deal"
	KindQuote         Kind = "quote"
	KindInventoryItem Kind = "inventory_item"
)

// Kinds lists every record kind in a stable order.
var Kinds = []Kind{KindDeal, KindQuote, KindInventoryItem}

// Valid reports whether k is one of the known record kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDeal, KindQuote, KindInventoryItem:
		return true
	}
	return false
}

// ParseKind converts a string such as "quote" into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", syncErrors.E(syncErrors.OpLoad, syncErrors.KindInvalid, fmt.Errorf("unknown record kind %q", s))
	}
	return k, nil
}

// Origin records where the latest write of a record came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Key identifies a record. Kind and ID together are unique.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string { return string(k.Kind) + "/" + k.ID }

// Record is a versioned deal, quote or inventory item.
type Record struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Version   uint64    `json:"version"`
	Payload   Payload   `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
	Origin    Origin    `json:"origin"`
}

// Key returns the record's identity.
func (r Record) Key() Key { return Key{Kind: r.Kind, ID: r.ID} }

// Clone returns a copy that shares no payload memory with r.
func (r Record) Clone() Record {
	r.Payload = r.Payload.Clone()
	return r
}

// Validate checks the fields every backend relies on.
func (r Record) Validate() error {
	if r.ID == "" {
		return syncErrors.E(syncErrors.OpPut, syncErrors.KindInvalid, fmt.Errorf("record id is required"))
	}
	if !r.Kind.Valid() {
		return syncErrors.E(syncErrors.OpPut, syncErrors.KindInvalid, fmt.Errorf("unknown record kind %q", r.Kind))
	}
	return nil
}

// SyncState is the lifecycle state of a ChangeEntry.
type SyncState string

const (
	StatePending   SyncState = "pending"
	StateInFlight  SyncState = "in_flight"
	StateConfirmed SyncState = "confirmed"
	StateFailed    SyncState = "failed"
)

// Valid reports whether s is a known state.
func (s SyncState) Valid() bool {
	switch s {
	case StatePending, StateInFlight, StateConfirmed, StateFailed:
		return true
	}
	return false
}

// ChangeEntry is a local mutation that the remote system has not confirmed yet.
type ChangeEntry struct {
	ID       string `json:"id"`
	Seq      uint64 `json:"seq"`
	RecordID string `json:"record_id"`
	Kind     Kind   `json:"kind"`

	// PreviousVersion is the record version the edit was made against.
	PreviousVersion uint64 `json:"previous_version"`
	// BasePayload is the payload the edit was made against. Nil for new records.
	BasePayload Payload `json:"base_payload,omitempty"`
	NewPayload  Payload `json:"new_payload"`
	// ParentSeq links the entry to an unconfirmed earlier edit of the same record.
	ParentSeq uint64 `json:"parent_seq,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	State     SyncState `json:"state"`
	Attempts  int       `json:"attempts"`
	RetryAt   time.Time `json:"retry_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Key returns the identity of the record the entry mutates.
func (e ChangeEntry) Key() Key { return Key{Kind: e.Kind, ID: e.RecordID} }

// Clone returns a copy that shares no payload memory with e.
func (e ChangeEntry) Clone() ChangeEntry {
	e.BasePayload = e.BasePayload.Clone()
	e.NewPayload = e.NewPayload.Clone()
	return e
}

// ConflictCase is produced when the remote record moved past the version a local edit
// was based on. It only lives for the duration of one resolution.
type ConflictCase struct {
	Local  Record
	Remote Record
	// Base is the payload the local edit started from, when known.
	Base Payload
}

// FieldConflict records a field both sides changed to different values.
type FieldConflict struct {
	Field  string `json:"field"`
	Local  any    `json:"local"`
	Remote any    `json:"remote"`
}

// Resolution is the outcome of resolving a ConflictCase. Exactly one of Record and
// Rejected is set.
type Resolution struct {
	Record    *Record         `json:"record,omitempty"`
	Rejected  bool            `json:"rejected"`
	Conflicts []FieldConflict `json:"conflicts,omitempty"`
	Decision  string          `json:"decision"`
	Reasons   []string        `json:"reasons,omitempty"`
}

// VersionConflictError is returned by RecordStore.Put when the write is not newer than
// the stored record, and by gateways when the submitted base version is stale.
// Current holds the record that won.
type VersionConflictError struct {
	Key       Key
	Attempted uint64
	Current   Record
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: attempted version %d, current version %d",
		e.Key, e.Attempted, e.Current.Version)
}

// ErrorKind lets the errors package classify the conflict without a type assertion.
func (e *VersionConflictError) ErrorKind() syncErrors.Kind { return syncErrors.KindVersionConflict }

// ErrUnknownEntry builds the error journals return for an absent entry id.
func ErrUnknownEntry(op syncErrors.Operation, id string) error {
	return syncErrors.E(op, syncErrors.Component("journal"), syncErrors.KindUnknownEntry,
		fmt.Errorf("change entry %q not found", id))
}

// ErrRecordNotFound builds the error gateways return when a record does not exist remotely.
func ErrRecordNotFound(op syncErrors.Operation, key Key) error {
	return syncErrors.E(op, syncErrors.Component("gateway"), syncErrors.KindNotFound,
		fmt.Errorf("record %s not found", key))
}
