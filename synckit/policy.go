package synckit

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
)

// PolicyConfig is the conflict policy as written in configuration: a default policy
// plus per-kind overrides.
//
//	default:
//	  shared: remote
//	  local_only: keep
//	kinds:
//	  quote:
//	    fields:
//	      note: local
type PolicyConfig struct {
	Default Policy          `json:"default" yaml:"default"`
	Kinds   map[Kind]Policy `json:"kinds,omitempty" yaml:"kinds,omitempty"`
}

// Validate checks the default and every per-kind policy.
func (pc PolicyConfig) Validate() error {
	if err := pc.Default.Validate(); err != nil {
		return err
	}
	for kind, p := range pc.Kinds {
		if !kind.Valid() {
			return syncErrors.NewValidationError(syncErrors.OpConfigLoad, fmt.Errorf("policy for unknown kind %q", kind))
		}
		if err := p.Validate(); err != nil {
			return syncErrors.NewValidationError(syncErrors.OpConfigLoad, fmt.Errorf("policy for %s: %w", kind, err))
		}
	}
	return nil
}

// Resolver builds a KindResolver with one FieldMergeResolver rule per configured kind
// and the default policy as fallback. Rules are ordered by kind name.
func (pc PolicyConfig) Resolver(opts ...Option) (*KindResolver, error) {
	if err := pc.Validate(); err != nil {
		return nil, err
	}

	kinds := make([]string, 0, len(pc.Kinds))
	for k := range pc.Kinds {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	all := make([]Option, 0, len(kinds)+1+len(opts))
	for _, k := range kinds {
		p := pc.Kinds[Kind(k)]
		all = append(all, WithKindRule(Kind(k), &FieldMergeResolver{Policy: p.withDefaults()}))
	}
	all = append(all, WithFallback(&FieldMergeResolver{Policy: pc.Default.withDefaults()}))
	all = append(all, opts...)
	return NewKindResolver(all...)
}

// LoadPolicyConfig decodes a YAML policy document. JSON is accepted as well since it
// is a subset of YAML.
func LoadPolicyConfig(r io.Reader) (PolicyConfig, error) {
	var pc PolicyConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pc); err != nil && err != io.EOF {
		return PolicyConfig{}, syncErrors.E(syncErrors.OpConfigLoad, syncErrors.Component("policy"), syncErrors.KindInvalid, err)
	}
	if err := pc.Validate(); err != nil {
		return PolicyConfig{}, err
	}
	return pc, nil
}

// LoadPolicyFile reads a policy document from path.
func LoadPolicyFile(path string) (PolicyConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return PolicyConfig{}, syncErrors.E(syncErrors.OpConfigLoad, syncErrors.Component("policy"), err)
	}
	defer f.Close()
	return LoadPolicyConfig(f)
}
