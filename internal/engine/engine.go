// Package engine orchestrates sync cycles: draining the mutation queue,
// detecting conflicts, and applying retry policy.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fitpulse/fitsync/internal/config"
	"github.com/fitpulse/fitsync/internal/conflict"
	"github.com/fitpulse/fitsync/internal/loggy"
	"github.com/fitpulse/fitsync/internal/remote"
	"github.com/fitpulse/fitsync/internal/store"
)

var (
	// ErrSyncInProgress is returned when a cycle is requested while another
	// one holds the guard.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrInvalidChoice is returned by ResolveManually for a choice other
	// than "local" or "remote".
	ErrInvalidChoice = errors.New("resolution choice must be \"local\" or \"remote\"")

	// ErrInvalidEntityType is returned by Enqueue for an unknown entity type.
	ErrInvalidEntityType = errors.New("invalid entity type")
)

// ItemError records a per-mutation failure inside a cycle.
type ItemError struct {
	MutationID string `json:"mutation_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Message    string `json:"message"`
	Terminal   bool   `json:"terminal"`
}

// SyncResult aggregates the outcome of one cycle.
type SyncResult struct {
	Trigger   store.Trigger `json:"trigger"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Errors    []ItemError   `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Status is a point-in-time snapshot of the engine and its queue.
type Status struct {
	IsSyncing      bool       `json:"is_syncing"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	Online         bool       `json:"online"`
	NetworkQuality string     `json:"network_quality,omitempty"`
	Pending        int        `json:"pending"`
	Failed         int        `json:"failed"`
	Conflicts      int        `json:"conflicts"`
}

// Connectivity is the host's network state as seen by the status surface.
type Connectivity struct {
	Online  bool
	Quality string
}

// ConnectivitySource supplies the current network state for Status reports.
type ConnectivitySource func() Connectivity

// Engine coordinates the durable queue, the remote API, and conflict
// handling into sync cycles.
type Engine struct {
	repo     store.Repository
	api      remote.API
	detector *conflict.Detector
	resolver *conflict.Resolver
	cfg      config.SyncConfig
	logger   *loggy.Logger

	mu           sync.Mutex
	syncingSince time.Time
	lastSyncAt   *time.Time
	connSource   ConnectivitySource

	// now is swappable in tests
	now func() time.Time
}

// New creates a sync engine.
func New(repo store.Repository, api remote.API, detector *conflict.Detector,
	resolver *conflict.Resolver, cfg config.SyncConfig, logger *loggy.Logger) *Engine {
	return &Engine{
		repo:     repo,
		api:      api,
		detector: detector,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetConnectivitySource installs the source of network state for Status
// reports. Without one the network fields stay at their zero values.
func (e *Engine) SetConnectivitySource(source ConnectivitySource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connSource = source
}

// Enqueue records a user mutation for eventual delivery. The payload is
// checksummed, the priority derived from the entity type, and any active
// mutation for the same target superseded rather than duplicated. The
// cached copy of the entity is marked stale so reads know local state is
// ahead of the server.
func (e *Engine) Enqueue(ctx context.Context, entityType store.EntityType, entityID string,
	payload json.RawMessage, baseChecksum string) (*store.QueuedMutation, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEntityType, entityType)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}

	m := store.NewQueuedMutation(entityType, entityID, payload, conflict.Checksum(payload), baseChecksum)

	if err := e.repo.Enqueue(ctx, m); err != nil {
		return nil, fmt.Errorf("enqueueing mutation: %w", err)
	}

	if err := e.repo.MarkCacheStale(ctx, entityType, entityID); err != nil {
		// The queue entry is durable; a stale-flag miss only delays cache
		// invalidation until the next sync.
		e.logger.Warn("failed to mark cached entity stale",
			"entity_type", entityType, "entity_id", entityID, "error", err)
	}

	e.logger.Debug("mutation enqueued",
		"mutation_id", m.ID, "entity_type", entityType, "entity_id", entityID,
		"priority", m.Priority.String())

	return m, nil
}

// acquireGuard takes the single-flight lock. A guard older than GuardTTL
// is treated as abandoned (crashed or hung cycle) and stolen.
func (e *Engine) acquireGuard() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.syncingSince.IsZero() {
		held := e.now().Sub(e.syncingSince)
		if held < e.cfg.GuardTTL {
			return ErrSyncInProgress
		}
		e.logger.Warn("clearing stale sync guard", "held_for", held)
	}

	e.syncingSince = e.now()
	return nil
}

func (e *Engine) releaseGuard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncingSince = time.Time{}
}

func (e *Engine) stampLastSync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.lastSyncAt = &now
}

// Sync runs one full cycle: drain eligible mutations in priority/FIFO
// order, push each to the server, and record per-item outcomes. Item
// failures never abort the cycle.
func (e *Engine) Sync(ctx context.Context, trigger store.Trigger) (*SyncResult, error) {
	if err := e.acquireGuard(); err != nil {
		return nil, err
	}
	defer e.releaseGuard()

	started := e.now()
	log := store.NewSyncLog(trigger)
	result := &SyncResult{Trigger: trigger}

	e.logger.Info("sync cycle starting", "trigger", trigger)

	// A crash between claiming a row and recording its outcome leaves it in
	// syncing durably. Claims older than the guard TTL belong to no live
	// cycle, so hand them back to the queue before draining.
	if n, err := e.repo.ReclaimStale(ctx, started.Add(-e.cfg.GuardTTL)); err != nil {
		e.logger.Warn("failed to reclaim stranded mutations", "error", err)
	} else if n > 0 {
		e.logger.Warn("requeued mutations stranded by an interrupted cycle", "count", n)
	}

	eligible, err := e.repo.GetEligible(ctx, started, e.cfg.BatchLimit)
	if err != nil {
		return nil, fmt.Errorf("loading eligible mutations: %w", err)
	}

	for _, m := range eligible {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ItemError{
				MutationID: m.ID, Message: ctx.Err().Error(),
			})
			break
		}
		e.syncOne(ctx, m, result)
	}

	result.Duration = e.now().Sub(started)
	e.stampLastSync()

	log.Complete(result.Synced, result.Failed, result.Conflicts, summarize(result.Errors))
	if err := e.repo.CreateSyncLog(ctx, log); err != nil {
		e.logger.Warn("failed to record sync log", "error", err)
	}

	e.logger.Info("sync cycle complete",
		"trigger", trigger, "synced", result.Synced, "failed", result.Failed,
		"conflicts", result.Conflicts, "duration", result.Duration)

	return result, nil
}

// ForceSync runs a manually triggered cycle.
func (e *Engine) ForceSync(ctx context.Context) (*SyncResult, error) {
	return e.Sync(ctx, store.TriggerManual)
}

// syncOne pushes a single mutation through claim, conflict check,
// submission, and outcome recording.
func (e *Engine) syncOne(ctx context.Context, m *store.QueuedMutation, result *SyncResult) {
	if err := e.repo.MarkSyncing(ctx, m.ID, e.now()); err != nil {
		if errors.Is(err, store.ErrNotClaimable) {
			// Superseded or resolved since the eligibility query; skip.
			return
		}
		e.logger.Error("failed to claim mutation", "mutation_id", m.ID, "error", err)
		result.Errors = append(result.Errors, ItemError{
			MutationID: m.ID, EntityType: string(m.EntityType), EntityID: m.EntityID,
			Message: err.Error(),
		})
		return
	}
	m.AttemptCount++

	detection, err := e.detector.Check(ctx, m)
	if err != nil {
		e.recordFailure(ctx, m, result, fmt.Errorf("conflict check: %w", err), remote.IsRetryable(err))
		return
	}

	payload := m.Payload
	if detection.Conflict {
		outcome, rerr := e.resolver.Resolve(m.EntityType, m.Payload, detection.RemotePayload)
		if rerr != nil {
			e.recordFailure(ctx, m, result, fmt.Errorf("resolving conflict: %w", rerr), false)
			return
		}

		switch {
		case outcome.Manual:
			e.parkConflict(ctx, m, detection, result)
			return
		case outcome.Discard:
			e.acceptRemote(ctx, m, outcome.Payload, detection.RemoteChecksum, result)
			return
		default:
			payload = outcome.Payload
		}
	}

	resp, err := e.api.Submit(ctx, m.EntityType, m.EntityID, payload)
	if err != nil {
		e.recordFailure(ctx, m, result, err, remote.IsRetryable(err))
		return
	}

	if err := e.repo.MarkSynced(ctx, m.ID); err != nil {
		// The server accepted the payload; leaving the row behind means a
		// redundant but idempotent redelivery next cycle.
		e.logger.Error("failed to prune synced mutation", "mutation_id", m.ID, "error", err)
		result.Errors = append(result.Errors, ItemError{
			MutationID: m.ID, EntityType: string(m.EntityType), EntityID: m.EntityID,
			Message: err.Error(),
		})
		return
	}

	e.refreshCache(ctx, m.EntityType, m.EntityID, payload)

	result.Synced++
	e.logger.Debug("mutation synced",
		"mutation_id", m.ID, "entity_type", m.EntityType, "entity_id", m.EntityID,
		"checksum", resp.Checksum, "attempt", m.AttemptCount)
}

// parkConflict moves a mutation to conflict status with both versions
// snapshotted for later manual resolution.
func (e *Engine) parkConflict(ctx context.Context, m *store.QueuedMutation, detection *conflict.Detection, result *SyncResult) {
	snapshot := &store.ConflictSnapshot{
		Local:      m.Payload,
		Remote:     detection.RemotePayload,
		DetectedAt: e.now(),
	}

	if err := e.repo.MarkConflict(ctx, m.ID, snapshot); err != nil {
		e.logger.Error("failed to park conflict", "mutation_id", m.ID, "error", err)
		result.Errors = append(result.Errors, ItemError{
			MutationID: m.ID, EntityType: string(m.EntityType), EntityID: m.EntityID,
			Message: err.Error(),
		})
		return
	}

	result.Conflicts++
	e.logger.Info("mutation parked for manual resolution",
		"mutation_id", m.ID, "entity_type", m.EntityType, "entity_id", m.EntityID)
}

// acceptRemote drops the local mutation and installs the server's version
// in the cache.
func (e *Engine) acceptRemote(ctx context.Context, m *store.QueuedMutation, remotePayload json.RawMessage, remoteChecksum string, result *SyncResult) {
	if err := e.repo.DeleteMutation(ctx, m.ID); err != nil {
		e.logger.Error("failed to discard superseded local mutation", "mutation_id", m.ID, "error", err)
		result.Errors = append(result.Errors, ItemError{
			MutationID: m.ID, EntityType: string(m.EntityType), EntityID: m.EntityID,
			Message: err.Error(),
		})
		return
	}

	e.refreshCache(ctx, m.EntityType, m.EntityID, remotePayload)

	result.Synced++
	e.logger.Info("remote version accepted, local mutation discarded",
		"mutation_id", m.ID, "entity_type", m.EntityType, "entity_id", m.EntityID,
		"remote_checksum", remoteChecksum)
}

// recordFailure applies the retry policy to a failed attempt. Retryable
// failures return to pending with exponential backoff; non-retryable ones
// and exhausted retry budgets become terminal.
func (e *Engine) recordFailure(ctx context.Context, m *store.QueuedMutation, result *SyncResult, cause error, retryable bool) {
	terminal := !retryable || m.AttemptCount >= e.cfg.MaxRetries

	now := e.now()
	nextRetry := now.Add(e.backoffDelay(m.AttemptCount))

	if err := e.repo.MarkFailed(ctx, m.ID, cause.Error(), nextRetry, terminal); err != nil {
		e.logger.Error("failed to record mutation failure", "mutation_id", m.ID, "error", err)
	}

	result.Failed++
	result.Errors = append(result.Errors, ItemError{
		MutationID: m.ID, EntityType: string(m.EntityType), EntityID: m.EntityID,
		Message: cause.Error(), Terminal: terminal,
	})

	if terminal {
		e.logger.Warn("mutation terminally failed",
			"mutation_id", m.ID, "entity_type", m.EntityType, "entity_id", m.EntityID,
			"attempts", m.AttemptCount, "error", cause)
	} else {
		e.logger.Debug("mutation failed, will retry",
			"mutation_id", m.ID, "attempt", m.AttemptCount,
			"next_retry_at", nextRetry, "error", cause)
	}
}

// backoffDelay computes base * 2^attempts, capped to keep the shift sane.
func (e *Engine) backoffDelay(attempts int) time.Duration {
	if attempts > 16 {
		attempts = 16
	}
	return e.cfg.BackoffBase * time.Duration(1<<uint(attempts))
}

// refreshCache writes the now-authoritative payload through to the cached
// entity table.
func (e *Engine) refreshCache(ctx context.Context, entityType store.EntityType, entityID string, payload json.RawMessage) {
	entity := &store.CachedEntity{
		EntityType:   entityType,
		EntityID:     entityID,
		Payload:      payload,
		LastSyncedAt: e.now(),
		IsStale:      false,
	}
	if err := e.repo.PutCachedEntity(ctx, entity); err != nil {
		e.logger.Warn("failed to refresh cached entity",
			"entity_type", entityType, "entity_id", entityID, "error", err)
	}
}

// ResolveManually settles a parked conflict with the user's choice. The
// guard serializes resolution against a running cycle so the row cannot be
// mutated underneath an in-flight submission.
func (e *Engine) ResolveManually(ctx context.Context, id, choice string) error {
	if choice != "local" && choice != "remote" {
		return fmt.Errorf("%w: got %q", ErrInvalidChoice, choice)
	}

	if err := e.acquireGuard(); err != nil {
		return err
	}
	defer e.releaseGuard()

	m, err := e.repo.GetMutation(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != store.StatusConflict || m.Conflict == nil {
		return store.ErrNotInConflict
	}

	if choice == "remote" {
		if m.Conflict.Remote == nil {
			return fmt.Errorf("no remote version recorded for %s; only \"local\" can resolve it", id)
		}
		if err := e.repo.DeleteMutation(ctx, id); err != nil {
			return fmt.Errorf("discarding local mutation: %w", err)
		}
		e.refreshCache(ctx, m.EntityType, m.EntityID, m.Conflict.Remote)
		e.logger.Info("conflict resolved with remote version", "mutation_id", id)
		return nil
	}

	// Rebase the replay on the server's current version so it does not
	// immediately re-conflict. A remote delete leaves no base, so the
	// replay becomes a create.
	payload := m.Conflict.Local
	baseChecksum := ""
	if m.Conflict.Remote != nil {
		baseChecksum = conflict.Checksum(m.Conflict.Remote)
	}
	if err := e.repo.ResolveConflict(ctx, id, payload, conflict.Checksum(payload), baseChecksum); err != nil {
		return fmt.Errorf("requeueing resolved mutation: %w", err)
	}

	e.logger.Info("conflict resolved with local version, mutation requeued", "mutation_id", id)
	return nil
}

// Status reports the engine state and queue depths.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	counts, err := e.repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting queue statuses: %w", err)
	}

	e.mu.Lock()
	isSyncing := !e.syncingSince.IsZero()
	lastSyncAt := e.lastSyncAt
	source := e.connSource
	e.mu.Unlock()

	status := &Status{
		IsSyncing:  isSyncing,
		LastSyncAt: lastSyncAt,
		Pending:    counts.Pending + counts.Syncing,
		Failed:     counts.Failed,
		Conflicts:  counts.Conflicts,
	}

	if source != nil {
		conn := source()
		status.Online = conn.Online
		status.NetworkQuality = conn.Quality
	}

	return status, nil
}

func summarize(errs []ItemError) string {
	if len(errs) == 0 {
		return ""
	}
	first := errs[0]
	if len(errs) == 1 {
		return first.Message
	}
	return fmt.Sprintf("%s (and %d more)", first.Message, len(errs)-1)
}
