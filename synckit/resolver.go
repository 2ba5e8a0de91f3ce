package synckit

import (
	"context"
	"errors"
	"fmt"
)

// Spec matches conflict cases for a Rule.
type Spec func(c ConflictCase) bool

// KindIs matches cases whose remote record has kind k.
func KindIs(k Kind) Spec {
	return func(c ConflictCase) bool { return c.Remote.Kind == k }
}

// AnyOf matches when any of specs matches.
func AnyOf(specs ...Spec) Spec {
	return func(c ConflictCase) bool {
		for _, s := range specs {
			if s != nil && s(c) {
				return true
			}
		}
		return false
	}
}

// Rule binds a matcher Specification to a ConflictResolver Strategy.
// Rules are evaluated in insertion order with first-match-wins semantics.
type Rule struct {
	Name     string
	Matcher  Spec
	Resolver ConflictResolver
}

// Hooks provides optional callbacks around resolution. Nil functions are skipped.
type Hooks struct {
	OnRuleMatched func(c ConflictCase, rule Rule)
	OnResolved    func(c ConflictCase, res Resolution)
	OnFallback    func(c ConflictCase)
	OnError       func(c ConflictCase, err error)
}

type resolverOptions struct {
	rules    []Rule
	fallback ConflictResolver
	hooks    Hooks
}

// Option configures NewKindResolver.
type Option interface{ apply(*resolverOptions) }

type optionFn func(*resolverOptions)

func (f optionFn) apply(o *resolverOptions) { f(o) }

// WithFallback sets the resolver used when no rule matches.
func WithFallback(r ConflictResolver) Option {
	return optionFn(func(o *resolverOptions) { o.fallback = r })
}

// WithRule appends a rule with a custom matcher.
func WithRule(name string, matcher Spec, resolver ConflictResolver) Option {
	return optionFn(func(o *resolverOptions) {
		o.rules = append(o.rules, Rule{Name: name, Matcher: matcher, Resolver: resolver})
	})
}

// WithKindRule routes one record kind to resolver.
func WithKindRule(kind Kind, resolver ConflictResolver) Option {
	return WithRule("kind:"+string(kind), KindIs(kind), resolver)
}

// WithHooks sets observability hooks.
func WithHooks(h Hooks) Option { return optionFn(func(o *resolverOptions) { o.hooks = h }) }

// KindResolver dispatches each case to the first matching rule, else to the fallback.
type KindResolver struct {
	rules    []Rule
	fallback ConflictResolver
	hooks    Hooks
}

var _ ConflictResolver = (*KindResolver)(nil)

// NewKindResolver needs at least one rule or a fallback, and no rule may have a nil
// matcher or resolver.
func NewKindResolver(opts ...Option) (*KindResolver, error) {
	cfg := &resolverOptions{}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	if len(cfg.rules) == 0 && cfg.fallback == nil {
		return nil, errors.New("kind resolver requires at least one rule or a non-nil fallback")
	}
	for i, r := range cfg.rules {
		if r.Matcher == nil {
			return nil, fmt.Errorf("rule %q at index %d has nil matcher", r.Name, i)
		}
		if r.Resolver == nil {
			return nil, fmt.Errorf("rule %q at index %d has nil resolver", r.Name, i)
		}
	}

	return &KindResolver{rules: cfg.rules, fallback: cfg.fallback, hooks: cfg.hooks}, nil
}

// Rules returns the configured rules in evaluation order.
func (k *KindResolver) Rules() []Rule { return append([]Rule(nil), k.rules...) }

func (k *KindResolver) Resolve(ctx context.Context, c ConflictCase) (Resolution, error) {
	for _, r := range k.rules {
		if !r.Matcher(c) {
			continue
		}
		if k.hooks.OnRuleMatched != nil {
			k.hooks.OnRuleMatched(c, r)
		}
		return k.run(ctx, c, r.Resolver)
	}
	if k.fallback == nil {
		err := fmt.Errorf("no rule matched %s and no fallback configured", c.Remote.Key())
		if k.hooks.OnError != nil {
			k.hooks.OnError(c, err)
		}
		return Resolution{}, err
	}
	if k.hooks.OnFallback != nil {
		k.hooks.OnFallback(c)
	}
	return k.run(ctx, c, k.fallback)
}

func (k *KindResolver) run(ctx context.Context, c ConflictCase, r ConflictResolver) (Resolution, error) {
	res, err := r.Resolve(ctx, c)
	if err != nil {
		if k.hooks.OnError != nil {
			k.hooks.OnError(c, err)
		}
		return Resolution{}, err
	}
	if k.hooks.OnResolved != nil {
		k.hooks.OnResolved(c, res)
	}
	return res, nil
}
