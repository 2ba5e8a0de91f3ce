package synckit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ResolutionMemento records one conflict resolution for later inspection.
type ResolutionMemento struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	RecordID  string    `json:"record_id"`

	LocalVersion  uint64  `json:"local_version"`
	RemoteVersion uint64  `json:"remote_version"`
	Local         Payload `json:"local,omitempty"`
	Remote        Payload `json:"remote,omitempty"`
	Resolved      Payload `json:"resolved,omitempty"`

	Decision  string          `json:"decision"`
	Reasons   []string        `json:"reasons,omitempty"`
	Conflicts []FieldConflict `json:"conflicts,omitempty"`
	Error     string          `json:"error,omitempty"`

	ResolverName       string        `json:"resolver_name"`
	ResolutionDuration time.Duration `json:"resolution_duration"`
}

// MementoCriteria filters audit queries. Zero fields match everything.
type MementoCriteria struct {
	Kind     Kind       `json:"kind,omitempty"`
	RecordID string     `json:"record_id,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

func (c MementoCriteria) matches(m *ResolutionMemento) bool {
	if c.Kind != "" && m.Kind != c.Kind {
		return false
	}
	if c.RecordID != "" && m.RecordID != c.RecordID {
		return false
	}
	if c.From != nil && m.Timestamp.Before(*c.From) {
		return false
	}
	return true
}

// AuditTrail stores resolution mementos.
type AuditTrail interface {
	Save(ctx context.Context, m ResolutionMemento) error
	// List returns matching mementos, newest first.
	List(ctx context.Context, criteria MementoCriteria) ([]ResolutionMemento, error)
}

// MemoryAuditTrail keeps the most recent mementos in a ring.
type MemoryAuditTrail struct {
	mu    sync.Mutex
	ring  []ResolutionMemento
	next  int
	count int
}

var _ AuditTrail = (*MemoryAuditTrail)(nil)

// NewMemoryAuditTrail keeps up to capacity mementos (256 when capacity <= 0).
func NewMemoryAuditTrail(capacity int) *MemoryAuditTrail {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryAuditTrail{ring: make([]ResolutionMemento, capacity)}
}

func (a *MemoryAuditTrail) Save(_ context.Context, m ResolutionMemento) error {
	if m.ID == "" {
		return fmt.Errorf("memento ID cannot be empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ring[a.next] = m.clone()
	a.next = (a.next + 1) % len(a.ring)
	if a.count < len(a.ring) {
		a.count++
	}
	return nil
}

func (a *MemoryAuditTrail) List(_ context.Context, criteria MementoCriteria) ([]ResolutionMemento, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []ResolutionMemento
	for i := 1; i <= a.count; i++ {
		m := &a.ring[(a.next-i+len(a.ring))%len(a.ring)]
		if !criteria.matches(m) {
			continue
		}
		out = append(out, m.clone())
		if criteria.Limit > 0 && len(out) == criteria.Limit {
			break
		}
	}
	return out, nil
}

func (m ResolutionMemento) clone() ResolutionMemento {
	m.Local = m.Local.Clone()
	m.Remote = m.Remote.Clone()
	m.Resolved = m.Resolved.Clone()
	m.Reasons = append([]string(nil), m.Reasons...)
	m.Conflicts = append([]FieldConflict(nil), m.Conflicts...)
	return m
}

// AuditableResolver wraps a resolver and saves a memento for every resolution,
// failed ones included. A failing audit store never fails the resolution.
type AuditableResolver struct {
	wrapped ConflictResolver
	trail   AuditTrail
	clock   Clock
	logger  *slog.Logger
}

var _ ConflictResolver = (*AuditableResolver)(nil)

func NewAuditableResolver(resolver ConflictResolver, trail AuditTrail, clock Clock, logger *slog.Logger) *AuditableResolver {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditableResolver{wrapped: resolver, trail: trail, clock: clock, logger: logger}
}

// Unwrap returns the wrapped resolver.
func (ar *AuditableResolver) Unwrap() ConflictResolver { return ar.wrapped }

func (ar *AuditableResolver) Resolve(ctx context.Context, c ConflictCase) (Resolution, error) {
	start := time.Now()
	res, err := ar.wrapped.Resolve(ctx, c)

	m := ResolutionMemento{
		ID:                 uuid.NewString(),
		Timestamp:          ar.clock.Now().UTC(),
		Kind:               c.Remote.Kind,
		RecordID:           c.Remote.ID,
		LocalVersion:       c.Local.Version,
		RemoteVersion:      c.Remote.Version,
		Local:              c.Local.Payload,
		Remote:             c.Remote.Payload,
		ResolverName:       resolverName(ar.wrapped),
		ResolutionDuration: time.Since(start),
	}
	if err != nil {
		m.Error = err.Error()
	} else {
		m.Decision = res.Decision
		m.Reasons = res.Reasons
		m.Conflicts = res.Conflicts
		if res.Record != nil {
			m.Resolved = res.Record.Payload
		}
	}

	if saveErr := ar.trail.Save(ctx, m); saveErr != nil {
		ar.logger.Error("Failed to save resolution memento", "error", saveErr, "memento_id", m.ID)
	} else {
		ar.logger.Debug("Saved resolution memento", "memento_id", m.ID, "key", c.Remote.Key().String())
	}
	return res, err
}

func resolverName(r ConflictResolver) string {
	for {
		u, ok := r.(interface{ Unwrap() ConflictResolver })
		if !ok {
			return fmt.Sprintf("%T", r)
		}
		r = u.Unwrap()
	}
}
