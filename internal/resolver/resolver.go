// Package resolver implements the pluggable conflict-resolution policy
// (spec.md §4.2): given two versioned values for the same path, it returns
// a winner whose clock is always the pointwise merge of both inputs'
// clocks, which keeps resolution convergent and idempotent under
// re-delivery.
package resolver

import (
	"fmt"

	"github.com/knirvcorp/meshgraph/internal/logging"
	"github.com/knirvcorp/meshgraph/internal/model"
	"github.com/knirvcorp/meshgraph/internal/monitoring"
	"github.com/knirvcorp/meshgraph/internal/value"
	"github.com/knirvcorp/meshgraph/internal/vclock"
)

// Strategy names a conflict-resolution rule.
type Strategy string

const (
	VectorDominance Strategy = "vector-dominance"
	FirstWriteWins  Strategy = "first-write-wins"
	MergeFields     Strategy = "merge-fields"
	Custom          Strategy = "custom"
)

// CustomFunc is the public contract a registered custom resolver must
// implement. A panicking or error-returning custom resolver is treated as
// missing — the caller falls back to vector-dominance.
type CustomFunc func(path model.Path, local, remote model.VersionedValue) (model.VersionedValue, error)

// Config configures strategy selection.
type Config struct {
	DefaultStrategy Strategy
	// PathStrategies maps a normalized path string to the strategy that
	// applies to it and every descendant, selected by longest-prefix
	// match; an empty map means every path uses DefaultStrategy.
	PathStrategies map[string]Strategy
	// CustomResolvers maps a normalized path string to the custom
	// resolver invoked when the longest-prefix-matched strategy is
	// Custom.
	CustomResolvers map[string]CustomFunc

	Logger  *logging.Logger
	Metrics *monitoring.Metrics
}

// Resolver selects and applies a conflict-resolution strategy per path.
type Resolver struct {
	defaultStrategy Strategy
	pathStrategies  map[string]Strategy
	customResolvers map[string]CustomFunc
	logger          *logging.Logger
	metrics         *monitoring.Metrics
}

// New constructs a Resolver. A zero-value DefaultStrategy resolves to
// VectorDominance, the spec's stated default.
func New(cfg Config) *Resolver {
	strategy := cfg.DefaultStrategy
	if strategy == "" {
		strategy = VectorDominance
	}
	return &Resolver{
		defaultStrategy: strategy,
		pathStrategies:  cfg.PathStrategies,
		customResolvers: cfg.CustomResolvers,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
	}
}

// Resolve returns the winning VersionedValue for path given a local and a
// remote version. The returned clock is always local.Clock merge
// remote.Clock (the post-condition spec.md §4.2 requires for
// convergence/idempotence).
func (r *Resolver) Resolve(path model.Path, local, remote model.VersionedValue) model.VersionedValue {
	merged := vclock.Merge(local.Clock, remote.Clock)

	winner := r.resolveValue(path, local, remote)
	winner.Clock = merged
	return winner
}

func (r *Resolver) resolveValue(path model.Path, local, remote model.VersionedValue) model.VersionedValue {
	localTomb, remoteTomb := local.IsTombstone(), remote.IsTombstone()

	switch {
	case localTomb && remoteTomb:
		dom := vclock.DominanceOf(local.Clock, remote.Clock)
		if dom == vclock.DomIdentical || dom == vclock.DomDominates {
			return local
		}
		return remote
	case remoteTomb && !localTomb:
		return r.resolveAgainstTombstone(remote, local)
	case localTomb && !remoteTomb:
		return r.resolveAgainstTombstone(local, remote)
	}

	strategy := r.strategyFor(path)
	if r.metrics != nil {
		r.metrics.ConflictsResolved.WithLabelValues(string(strategy)).Inc()
	}
	switch strategy {
	case FirstWriteWins:
		return r.firstWriteWins(local, remote)
	case MergeFields:
		return r.mergeFields(path, local, remote)
	case Custom:
		return r.custom(path, local, remote)
	default:
		return r.vectorDominance(local, remote)
	}
}

// resolveAgainstTombstone decides between a tombstone and a live value:
// only a strictly-dominating live update overrides a deletion.
func (r *Resolver) resolveAgainstTombstone(tomb, live model.VersionedValue) model.VersionedValue {
	dom := vclock.DominanceOf(tomb.Clock, live.Clock)
	if dom == vclock.DomDominates || dom == vclock.DomIdentical || dom == vclock.DomConcurrent {
		return tomb
	}
	return live
}

func (r *Resolver) vectorDominance(local, remote model.VersionedValue) model.VersionedValue {
	switch vclock.DominanceOf(local.Clock, remote.Clock) {
	case vclock.DomDominates, vclock.DomIdentical:
		return local
	case vclock.DomDominated:
		return remote
	default:
		if r.pickConcurrentOrigin(local, remote) == local.Origin {
			return local
		}
		return remote
	}
}

func (r *Resolver) firstWriteWins(local, remote model.VersionedValue) model.VersionedValue {
	switch vclock.DominanceOf(local.Clock, remote.Clock) {
	case vclock.DomDominated:
		return local
	case vclock.DomDominates:
		return remote
	case vclock.DomIdentical:
		return local
	default:
		// Reversal: the losing side of the deterministic tiebreak wins.
		if r.pickConcurrentOrigin(local, remote) == local.Origin {
			return remote
		}
		return local
	}
}

func (r *Resolver) mergeFields(path model.Path, local, remote model.VersionedValue) model.VersionedValue {
	if !local.Value.IsObject() || !remote.Value.IsObject() {
		return r.vectorDominance(local, remote)
	}

	dom := vclock.DominanceOf(local.Clock, remote.Clock)
	var primary, secondary model.VersionedValue
	switch dom {
	case vclock.DomDominates, vclock.DomIdentical:
		primary, secondary = local, remote
	case vclock.DomDominated:
		primary, secondary = remote, local
	default:
		if r.pickConcurrentOrigin(local, remote) == local.Origin {
			primary, secondary = local, remote
		} else {
			primary, secondary = remote, local
		}
	}

	merged := make(map[string]value.Value, len(primary.Value.Fields())+len(secondary.Value.Fields()))
	for k, v := range secondary.Value.Fields() {
		merged[k] = v
	}
	for k, v := range primary.Value.Fields() {
		merged[k] = v
	}

	out := primary
	out.Value = value.Object(merged)
	return out
}

func (r *Resolver) custom(path model.Path, local, remote model.VersionedValue) model.VersionedValue {
	fn := r.customResolverFor(path)
	if fn == nil {
		return r.vectorDominance(local, remote)
	}

	result, err := r.safeInvoke(fn, path, local, remote)
	if err != nil {
		if r.logger != nil {
			r.logger.WithError(err).Warn("custom resolver failed, falling back to vector-dominance")
		}
		if r.metrics != nil {
			r.metrics.ConflictsResolvedFallback.Inc()
		}
		return r.vectorDominance(local, remote)
	}
	return result
}

func (r *Resolver) safeInvoke(fn CustomFunc, path model.Path, local, remote model.VersionedValue) (result model.VersionedValue, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("resolver: custom resolver panicked: %v", rec)
		}
	}()
	return fn(path, local, remote)
}

// pickConcurrentOrigin applies the deterministic tiebreak to two
// concurrent values, returning the winning side's origin node id.
func (r *Resolver) pickConcurrentOrigin(local, remote model.VersionedValue) model.NodeID {
	winner := vclock.DeterministicWinner(string(local.Origin), string(remote.Origin))
	if winner == string(local.Origin) {
		return local.Origin
	}
	return remote.Origin
}

// strategyFor selects the strategy for path by longest-prefix match over
// the configured table, falling back to the default strategy.
func (r *Resolver) strategyFor(path model.Path) Strategy {
	best, bestLen := r.defaultStrategy, -1
	target := path.String()
	for raw, strat := range r.pathStrategies {
		candidate, err := model.ParsePath(raw)
		if err != nil {
			continue
		}
		if !matchesOrAncestor(candidate, path, target) {
			continue
		}
		if len(candidate) > bestLen {
			best, bestLen = strat, len(candidate)
		}
	}
	return best
}

func (r *Resolver) customResolverFor(path model.Path) CustomFunc {
	var best CustomFunc
	bestLen := -1
	target := path.String()
	for raw, fn := range r.customResolvers {
		candidate, err := model.ParsePath(raw)
		if err != nil {
			continue
		}
		if !matchesOrAncestor(candidate, path, target) {
			continue
		}
		if len(candidate) > bestLen {
			best, bestLen = fn, len(candidate)
		}
	}
	return best
}

func matchesOrAncestor(candidate, path model.Path, _ string) bool {
	return candidate.Equal(path) || candidate.IsAncestorOf(path)
}
