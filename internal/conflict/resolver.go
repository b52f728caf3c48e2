package conflict

import (
	"encoding/json"
	"fmt"

	"github.com/fitpulse/fitsync/internal/loggy"
	"github.com/fitpulse/fitsync/internal/store"
)

// Strategy names a conflict resolution policy.
type Strategy string

const (
	// StrategyKeepLocal discards the remote version and replays the local
	// mutation as-is.
	StrategyKeepLocal Strategy = "keep-local"

	// StrategyKeepRemote discards the local mutation and accepts the
	// remote version.
	StrategyKeepRemote Strategy = "keep-remote"

	// StrategyMerge combines both versions field by field, local values
	// taking precedence.
	StrategyMerge Strategy = "merge"

	// StrategyManual parks the mutation until the user picks a side.
	StrategyManual Strategy = "manual"
)

// MergeFunc combines a local and remote payload into one.
type MergeFunc func(local, remote json.RawMessage) (json.RawMessage, error)

// Outcome is the result of applying a resolution strategy.
type Outcome struct {
	// Manual is true when the strategy could not resolve automatically
	// and the mutation must wait for user input.
	Manual bool

	// Payload is the resolved payload to replay, nil when Manual is true
	// or when the local mutation should be discarded entirely.
	Payload json.RawMessage

	// Discard is true when the remote version wins and the local mutation
	// should be dropped without replay.
	Discard bool

	// Strategy records which policy produced this outcome.
	Strategy Strategy
}

// Resolver applies per-entity-type strategies to detected conflicts. The
// strategy table is fixed at construction; mutating it mid-flight would
// make replay outcomes depend on timing.
type Resolver struct {
	strategies map[store.EntityType]Strategy
	mergeFuncs map[store.EntityType]MergeFunc
	logger     *loggy.Logger
}

// DefaultStrategies returns the built-in policy table: activity data is
// device-authoritative, team rosters are server-authoritative, profiles
// merge field by field.
func DefaultStrategies() map[store.EntityType]Strategy {
	return map[store.EntityType]Strategy{
		store.EntityTypeActivity: StrategyKeepLocal,
		store.EntityTypeTeam:     StrategyKeepRemote,
		store.EntityTypeProfile:  StrategyMerge,
	}
}

// NewResolver creates a resolver with the given strategy table. A nil
// table falls back to DefaultStrategies.
func NewResolver(strategies map[store.EntityType]Strategy, logger *loggy.Logger) *Resolver {
	if strategies == nil {
		strategies = DefaultStrategies()
	}
	return &Resolver{
		strategies: strategies,
		mergeFuncs: make(map[store.EntityType]MergeFunc),
		logger:     logger,
	}
}

// RegisterMergeFunc installs a custom merge for an entity type, replacing
// the default shallow merge. Must be called before the resolver is shared
// across goroutines.
func (r *Resolver) RegisterMergeFunc(entityType store.EntityType, fn MergeFunc) {
	r.mergeFuncs[entityType] = fn
}

// StrategyFor returns the policy for an entity type. Unknown types get
// StrategyManual: guessing a policy for data we know nothing about risks
// silent loss.
func (r *Resolver) StrategyFor(entityType store.EntityType) Strategy {
	if s, ok := r.strategies[entityType]; ok {
		return s
	}
	return StrategyManual
}

// Resolve applies the entity type's strategy to a conflicting pair of
// payloads. A nil remote payload (remote delete) downgrades merge and
// keep-remote to manual, since there is no remote version to keep.
func (r *Resolver) Resolve(entityType store.EntityType, local, remote json.RawMessage) (*Outcome, error) {
	strategy := r.StrategyFor(entityType)

	switch strategy {
	case StrategyKeepLocal:
		return &Outcome{Payload: local, Strategy: strategy}, nil

	case StrategyKeepRemote:
		if remote == nil {
			return &Outcome{Manual: true, Strategy: StrategyManual}, nil
		}
		return &Outcome{Discard: true, Payload: remote, Strategy: strategy}, nil

	case StrategyMerge:
		if remote == nil {
			return &Outcome{Manual: true, Strategy: StrategyManual}, nil
		}
		merge := r.mergeFuncs[entityType]
		if merge == nil {
			merge = ShallowMerge
		}
		merged, err := merge(local, remote)
		if err != nil {
			r.logger.Warn("merge failed, escalating to manual resolution",
				"entity_type", entityType, "error", err)
			return &Outcome{Manual: true, Strategy: StrategyManual}, nil
		}
		return &Outcome{Payload: merged, Strategy: strategy}, nil

	default:
		return &Outcome{Manual: true, Strategy: StrategyManual}, nil
	}
}

// ShallowMerge combines two JSON objects one level deep. Fields present
// in the local payload win; remote-only fields are preserved.
func ShallowMerge(local, remote json.RawMessage) (json.RawMessage, error) {
	var localMap, remoteMap map[string]json.RawMessage

	if err := json.Unmarshal(local, &localMap); err != nil {
		return nil, fmt.Errorf("unmarshaling local payload: %w", err)
	}
	if err := json.Unmarshal(remote, &remoteMap); err != nil {
		return nil, fmt.Errorf("unmarshaling remote payload: %w", err)
	}

	merged := make(map[string]json.RawMessage, len(remoteMap)+len(localMap))
	for k, v := range remoteMap {
		merged[k] = v
	}
	for k, v := range localMap {
		merged[k] = v
	}

	return json.Marshal(merged)
}
