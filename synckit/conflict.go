package synckit

import (
	"context"
	"fmt"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
)

// Side picks which version of a field wins.
type Side string

const (
	SideRemote Side = "remote"
	SideLocal  Side = "local"
)

// LocalOnlyMode decides what happens to fields only the local edit has.
type LocalOnlyMode string

const (
	LocalOnlyKeep LocalOnlyMode = "keep"
	LocalOnlyDrop LocalOnlyMode = "drop"
)

// ConflictMode decides what happens when both sides changed a field.
type ConflictMode string

const (
	ConflictMerge  ConflictMode = "merge"
	ConflictReject ConflictMode = "reject"
)

// MergeMode decides whether the edit's base payload takes part in the merge.
type MergeMode string

const (
	// MergeTwoWay compares local against remote only: every shared field that
	// differs takes the winning side.
	MergeTwoWay MergeMode = "two_way"
	// MergeThreeWay consults the base payload so a field only one side changed
	// takes that side's value.
	MergeThreeWay MergeMode = "three_way"
)

// Resolution decisions.
const (
	DecisionKeepRemote = "keep_remote"
	DecisionMerge      = "merge"
	DecisionRejected   = "rejected"
)

// Policy configures FieldMergeResolver.
type Policy struct {
	// Shared picks the winner for a field both sides changed. Default remote.
	Shared Side `json:"shared,omitempty" yaml:"shared,omitempty"`
	// LocalOnly handles fields the remote record does not have. Default keep.
	LocalOnly LocalOnlyMode `json:"local_only,omitempty" yaml:"local_only,omitempty"`
	// Merge selects two-way or three-way merging. Default two_way.
	Merge MergeMode `json:"merge,omitempty" yaml:"merge,omitempty"`
	// OnConflict rejects the whole edit instead of merging when set to reject.
	OnConflict ConflictMode `json:"on_conflict,omitempty" yaml:"on_conflict,omitempty"`
	// Fields overrides Shared per field name.
	Fields map[string]Side `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// DefaultPolicy is remote wins on shared fields, local-only fields are kept.
func DefaultPolicy() Policy {
	return Policy{Shared: SideRemote, LocalOnly: LocalOnlyKeep, Merge: MergeTwoWay, OnConflict: ConflictMerge}
}

// withDefaults fills empty knobs from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Shared == "" {
		p.Shared = d.Shared
	}
	if p.LocalOnly == "" {
		p.LocalOnly = d.LocalOnly
	}
	if p.Merge == "" {
		p.Merge = d.Merge
	}
	if p.OnConflict == "" {
		p.OnConflict = d.OnConflict
	}
	return p
}

// Validate rejects unknown knob values.
func (p Policy) Validate() error {
	p = p.withDefaults()
	if p.Shared != SideRemote && p.Shared != SideLocal {
		return syncErrors.NewValidationError(syncErrors.OpConfigLoad, fmt.Errorf("policy shared: unknown side %q", p.Shared))
	}
	if p.LocalOnly != LocalOnlyKeep && p.LocalOnly != LocalOnlyDrop {
		return syncErrors.NewValidationError(syncErrors.OpConfigLoad, fmt.Errorf("policy local_only: unknown mode %q", p.LocalOnly))
	}
	if p.Merge != MergeTwoWay && p.Merge != MergeThreeWay {
		return syncErrors.NewValidationError(syncErrors.OpConfigLoad, fmt.Errorf("policy merge: unknown mode %q", p.Merge))
	}
	if p.OnConflict != ConflictMerge && p.OnConflict != ConflictReject {
		return syncErrors.NewValidationError(syncErrors.OpConfigLoad, fmt.Errorf("policy on_conflict: unknown mode %q", p.OnConflict))
	}
	for field, side := range p.Fields {
		if side != SideRemote && side != SideLocal {
			return syncErrors.NewValidationError(syncErrors.OpConfigLoad, fmt.Errorf("policy field %q: unknown side %q", field, side))
		}
	}
	return nil
}

func (p Policy) sideFor(field string) Side {
	if s, ok := p.Fields[field]; ok {
		return s
	}
	return p.Shared
}

// FieldMergeResolver merges payloads field by field. Fields are visited in sorted
// order and nothing depends on time, so equal cases give equal resolutions.
//
// The default two-way merge ignores the case's Base: every field present on both
// sides that differs is a conflict won by the policy's side, and a field only the
// local edit has is kept or dropped. With Merge set to three_way and a Base present,
// a field only one side changed takes that side's value and is not a conflict.
type FieldMergeResolver struct {
	Policy Policy
}

var _ ConflictResolver = (*FieldMergeResolver)(nil)

// NewFieldMergeResolver validates p and returns a resolver for it.
func NewFieldMergeResolver(p Policy) (*FieldMergeResolver, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &FieldMergeResolver{Policy: p.withDefaults()}, nil
}

func (r *FieldMergeResolver) Resolve(ctx context.Context, c ConflictCase) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	p := r.Policy.withDefaults()
	local, remote := c.Local.Payload, c.Remote.Payload
	var base Payload
	if p.Merge == MergeThreeWay {
		base = c.Base
	}
	hasBase := base != nil

	merged := Payload{}
	var conflicts []FieldConflict
	var reasons []string

	take := func(field string, v any, present bool) {
		if present {
			merged[field] = cloneValue(v)
		}
	}

	for _, f := range unionFields(local, remote, base) {
		lv, inLocal := local[f]
		rv, inRemote := remote[f]
		bv, inBase := base[f]

		if inLocal == inRemote && (!inLocal || ValuesEqual(lv, rv)) {
			take(f, rv, inRemote)
			continue
		}

		localChanged, remoteChanged := inLocal, inRemote
		if hasBase {
			localChanged = inLocal != inBase || (inLocal && !ValuesEqual(lv, bv))
			remoteChanged = inRemote != inBase || (inRemote && !ValuesEqual(rv, bv))
		}

		switch {
		case !localChanged:
			take(f, rv, inRemote)
		case inLocal && !inRemote && !inBase:
			// Field introduced by the local edit.
			if p.LocalOnly == LocalOnlyKeep {
				take(f, lv, true)
			} else {
				reasons = append(reasons, fmt.Sprintf("%s: local-only field dropped", f))
			}
		case !remoteChanged:
			take(f, lv, inLocal)
			reasons = append(reasons, fmt.Sprintf("%s: local change applied", f))
		default:
			conflicts = append(conflicts, FieldConflict{Field: f, Local: cloneValue(lv), Remote: cloneValue(rv)})
			if p.sideFor(f) == SideLocal {
				take(f, lv, inLocal)
				reasons = append(reasons, fmt.Sprintf("%s: changed on both sides, local wins", f))
			} else {
				take(f, rv, inRemote)
				reasons = append(reasons, fmt.Sprintf("%s: changed on both sides, remote wins", f))
			}
		}
	}

	if len(conflicts) > 0 && p.OnConflict == ConflictReject {
		return Resolution{
			Rejected:  true,
			Conflicts: conflicts,
			Decision:  DecisionRejected,
			Reasons:   append(reasons, fmt.Sprintf("%d conflicting field(s), policy rejects", len(conflicts))),
		}, nil
	}

	rec := c.Remote.Clone()
	rec.Payload = merged
	decision := DecisionMerge
	if merged.Equal(remote) {
		decision = DecisionKeepRemote
	} else {
		rec.Origin = OriginLocal
	}
	return Resolution{Record: &rec, Conflicts: conflicts, Decision: decision, Reasons: reasons}, nil
}
