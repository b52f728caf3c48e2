package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/fitpulse/fitsync/internal/database"
	"github.com/fitpulse/fitsync/internal/loggy"
)

var (
	// ErrMutationNotFound is returned when a queued mutation does not exist
	ErrMutationNotFound = errors.New("queued mutation not found")
	// ErrEntityNotFound is returned when a cached entity does not exist
	ErrEntityNotFound = errors.New("cached entity not found")
	// ErrNotClaimable is returned when a mutation cannot be claimed for syncing
	// because it is no longer pending
	ErrNotClaimable = errors.New("mutation is not claimable")
	// ErrNotInConflict is returned when resolving a mutation that is not conflicted
	ErrNotInConflict = errors.New("mutation is not in conflict")
)

// mutationColumns is the column list shared by all queued mutation queries.
var mutationColumns = []string{
	"id", "entity_type", "entity_id", "payload", "priority", "status",
	"checksum", "base_checksum", "attempt_count", "last_attempt_at",
	"next_retry_at", "last_error", "conflict_local", "conflict_remote",
	"conflict_detected_at", "created_at", "updated_at",
}

// Repository defines persistence operations for the sync engine.
type Repository interface {
	// Enqueue inserts a mutation, superseding any in-flight mutation for the
	// same (entityType, entityID) target instead of duplicating it.
	Enqueue(ctx context.Context, m *QueuedMutation) error

	// GetMutation retrieves a mutation by ID
	GetMutation(ctx context.Context, id string) (*QueuedMutation, error)

	// GetEligible retrieves pending mutations whose retry time has arrived,
	// ordered by priority (high first) then creation time (oldest first)
	GetEligible(ctx context.Context, now time.Time, limit int) ([]*QueuedMutation, error)

	// ListMutations retrieves all queued mutations in drain order
	ListMutations(ctx context.Context) ([]*QueuedMutation, error)

	// MarkSyncing claims a pending mutation for submission, incrementing its
	// attempt count
	MarkSyncing(ctx context.Context, id string, now time.Time) error

	// ReclaimStale returns syncing mutations whose claim predates olderThan to
	// pending, recovering rows stranded by a crash mid-cycle. Reports how many
	// rows were requeued.
	ReclaimStale(ctx context.Context, olderThan time.Time) (int, error)

	// MarkSynced removes a successfully delivered mutation from the queue
	MarkSynced(ctx context.Context, id string) error

	// MarkFailed records a failed attempt. Non-terminal failures return the
	// mutation to pending with nextRetryAt set; terminal failures keep it
	// failed until discarded or superseded.
	MarkFailed(ctx context.Context, id string, errMsg string, nextRetryAt time.Time, terminal bool) error

	// MarkConflict stores the conflict snapshot and parks the mutation until
	// manual resolution
	MarkConflict(ctx context.Context, id string, snapshot *ConflictSnapshot) error

	// ResolveConflict returns a conflicted mutation to pending with the
	// resolved payload
	ResolveConflict(ctx context.Context, id string, payload json.RawMessage, checksum, baseChecksum string) error

	// DeleteMutation removes a mutation regardless of status
	DeleteMutation(ctx context.Context, id string) error

	// CountByStatus aggregates queue membership for the status surface
	CountByStatus(ctx context.Context) (*StatusCounts, error)

	// PutCachedEntity stores or replaces a read-through cached entity
	PutCachedEntity(ctx context.Context, e *CachedEntity) error

	// GetCachedEntity retrieves a cached entity
	GetCachedEntity(ctx context.Context, entityType EntityType, entityID string) (*CachedEntity, error)

	// MarkCacheStale flags a cached entity as stale pending the next fetch
	MarkCacheStale(ctx context.Context, entityType EntityType, entityID string) error

	// CreateSyncLog persists a sync cycle audit record
	CreateSyncLog(ctx context.Context, log *SyncLog) error

	// ListSyncLogs retrieves recent sync logs, most recent first
	ListSyncLogs(ctx context.Context, limit int) ([]*SyncLog, error)
}

// SQLRepository implements Repository using a SQL database
type SQLRepository struct {
	db     *sql.DB
	logger *loggy.Logger
}

// NewSQLRepository creates a new SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:     db,
		logger: logger,
	}
}

// Enqueue inserts a mutation, superseding any in-flight mutation for the same
// target. The lookup and the write run in one transaction so two concurrent
// enqueues for the same target cannot both observe "no existing row".
func (r *SQLRepository) Enqueue(ctx context.Context, m *QueuedMutation) error {
	return database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		q := squirrel.Select("id").
			From("queued_mutations").
			Where(squirrel.Eq{"entity_type": m.EntityType, "entity_id": m.EntityID}).
			Where(squirrel.Eq{"status": []Status{StatusPending, StatusSyncing, StatusFailed}})

		query, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("building enqueue lookup query: %w", err)
		}

		var existingID string
		err = tx.QueryRowContext(ctx, query, args...).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			return r.insertMutation(ctx, tx, m)
		case err != nil:
			return fmt.Errorf("executing enqueue lookup query: %w", err)
		}

		// Supersede: keep the original row id and created_at so FIFO position is
		// preserved, but replace the payload and reset retry bookkeeping.
		now := time.Now()
		uq := squirrel.Update("queued_mutations").
			Set("payload", string(m.Payload)).
			Set("priority", m.Priority).
			Set("status", StatusPending).
			Set("checksum", m.Checksum).
			Set("base_checksum", m.BaseChecksum).
			Set("attempt_count", 0).
			Set("last_error", "").
			Set("next_retry_at", now).
			Set("updated_at", now).
			Where(squirrel.Eq{"id": existingID})

		query, args, err = uq.ToSql()
		if err != nil {
			return fmt.Errorf("building supersede query: %w", err)
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("executing supersede query: %w", err)
		}

		m.ID = existingID
		r.logger.Debug("Superseded queued mutation",
			"id", existingID,
			"entity_type", m.EntityType,
			"entity_id", m.EntityID,
		)

		return nil
	})
}

func (r *SQLRepository) insertMutation(ctx context.Context, tx *sql.Tx, m *QueuedMutation) error {
	q := squirrel.Insert("queued_mutations").
		Columns("id", "entity_type", "entity_id", "payload", "priority", "status",
			"checksum", "base_checksum", "attempt_count", "last_attempt_at",
			"next_retry_at", "last_error", "created_at", "updated_at").
		Values(m.ID, m.EntityType, m.EntityID, string(m.Payload), m.Priority, m.Status,
			m.Checksum, m.BaseChecksum, m.AttemptCount, m.LastAttemptAt,
			m.NextRetryAt, m.LastError, m.CreatedAt, m.UpdatedAt)

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building insert mutation query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing insert mutation query: %w", err)
	}

	return nil
}

// GetMutation retrieves a mutation by ID
func (r *SQLRepository) GetMutation(ctx context.Context, id string) (*QueuedMutation, error) {
	q := squirrel.Select(mutationColumns...).
		From("queued_mutations").
		Where(squirrel.Eq{"id": id})

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get mutation query: %w", err)
	}

	m, err := scanMutation(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrMutationNotFound
		}
		return nil, fmt.Errorf("executing get mutation query: %w", err)
	}

	return m, nil
}

// GetEligible retrieves pending mutations whose retry time has arrived
func (r *SQLRepository) GetEligible(ctx context.Context, now time.Time, limit int) ([]*QueuedMutation, error) {
	q := squirrel.Select(mutationColumns...).
		From("queued_mutations").
		Where(squirrel.Eq{"status": StatusPending}).
		Where(squirrel.LtOrEq{"next_retry_at": now}).
		OrderBy("priority ASC", "created_at ASC")

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	return r.queryMutations(ctx, q)
}

// ListMutations retrieves all queued mutations in drain order
func (r *SQLRepository) ListMutations(ctx context.Context) ([]*QueuedMutation, error) {
	q := squirrel.Select(mutationColumns...).
		From("queued_mutations").
		OrderBy("priority ASC", "created_at ASC")

	return r.queryMutations(ctx, q)
}

func (r *SQLRepository) queryMutations(ctx context.Context, q squirrel.SelectBuilder) ([]*QueuedMutation, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building mutations query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing mutations query: %w", err)
	}
	defer rows.Close()

	var mutations []*QueuedMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mutation row: %w", err)
		}
		mutations = append(mutations, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mutation rows: %w", err)
	}

	return mutations, nil
}

// MarkSyncing claims a pending mutation for submission
func (r *SQLRepository) MarkSyncing(ctx context.Context, id string, now time.Time) error {
	q := squirrel.Update("queued_mutations").
		Set("status", StatusSyncing).
		Set("attempt_count", squirrel.Expr("attempt_count + 1")).
		Set("last_attempt_at", now).
		Set("updated_at", now).
		Where(squirrel.Eq{"id": id, "status": StatusPending})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building mark syncing query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing mark syncing query: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking mark syncing result: %w", err)
	}
	if affected == 0 {
		return ErrNotClaimable
	}

	return nil
}

// ReclaimStale requeues syncing rows abandoned by a crashed cycle
func (r *SQLRepository) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	q := squirrel.Update("queued_mutations").
		Set("status", StatusPending).
		Set("updated_at", time.Now()).
		Where(squirrel.Eq{"status": StatusSyncing}).
		Where(squirrel.Lt{"last_attempt_at": olderThan})

	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building reclaim stale query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing reclaim stale query: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking reclaim stale result: %w", err)
	}

	if affected > 0 {
		r.logger.Warn("Requeued mutations stranded in syncing", "count", affected)
	}

	return int(affected), nil
}

// MarkSynced removes a successfully delivered mutation from the queue
func (r *SQLRepository) MarkSynced(ctx context.Context, id string) error {
	// synced is terminal and observed only transiently; the row is pruned
	// immediately to reclaim space.
	return r.DeleteMutation(ctx, id)
}

// MarkFailed records a failed attempt
func (r *SQLRepository) MarkFailed(ctx context.Context, id string, errMsg string, nextRetryAt time.Time, terminal bool) error {
	now := time.Now()

	status := StatusPending
	if terminal {
		status = StatusFailed
	}

	q := squirrel.Update("queued_mutations").
		Set("status", status).
		Set("last_error", errMsg).
		Set("next_retry_at", nextRetryAt).
		Set("updated_at", now).
		Where(squirrel.Eq{"id": id})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building mark failed query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing mark failed query: %w", err)
	}

	return nil
}

// MarkConflict stores the conflict snapshot and parks the mutation
func (r *SQLRepository) MarkConflict(ctx context.Context, id string, snapshot *ConflictSnapshot) error {
	now := time.Now()

	q := squirrel.Update("queued_mutations").
		Set("status", StatusConflict).
		Set("conflict_local", string(snapshot.Local)).
		Set("conflict_remote", string(snapshot.Remote)).
		Set("conflict_detected_at", snapshot.DetectedAt).
		Set("updated_at", now).
		Where(squirrel.Eq{"id": id})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building mark conflict query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing mark conflict query: %w", err)
	}

	return nil
}

// ResolveConflict returns a conflicted mutation to pending with the resolved payload
func (r *SQLRepository) ResolveConflict(ctx context.Context, id string, payload json.RawMessage, checksum, baseChecksum string) error {
	now := time.Now()

	q := squirrel.Update("queued_mutations").
		Set("status", StatusPending).
		Set("payload", string(payload)).
		Set("checksum", checksum).
		Set("base_checksum", baseChecksum).
		Set("conflict_local", nil).
		Set("conflict_remote", nil).
		Set("conflict_detected_at", nil).
		Set("next_retry_at", now).
		Set("updated_at", now).
		Where(squirrel.Eq{"id": id, "status": StatusConflict})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building resolve conflict query: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("executing resolve conflict query: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking resolve conflict result: %w", err)
	}
	if affected == 0 {
		return ErrNotInConflict
	}

	return nil
}

// DeleteMutation removes a mutation regardless of status
func (r *SQLRepository) DeleteMutation(ctx context.Context, id string) error {
	q := squirrel.Delete("queued_mutations").
		Where(squirrel.Eq{"id": id})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building delete mutation query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing delete mutation query: %w", err)
	}

	return nil
}

// CountByStatus aggregates queue membership for the status surface
func (r *SQLRepository) CountByStatus(ctx context.Context) (*StatusCounts, error) {
	q := squirrel.Select("status", "COUNT(*)").
		From("queued_mutations").
		GroupBy("status")

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building count by status query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing count by status query: %w", err)
	}
	defer rows.Close()

	counts := &StatusCounts{}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning status count row: %w", err)
		}

		switch status {
		case StatusPending:
			counts.Pending = count
		case StatusSyncing:
			counts.Syncing = count
		case StatusFailed:
			counts.Failed = count
		case StatusConflict:
			counts.Conflicts = count
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status count rows: %w", err)
	}

	return counts, nil
}

// PutCachedEntity stores or replaces a read-through cached entity
func (r *SQLRepository) PutCachedEntity(ctx context.Context, e *CachedEntity) error {
	q := squirrel.Insert("cached_entities").
		Columns("entity_type", "entity_id", "payload", "last_synced_at", "is_stale").
		Values(e.EntityType, e.EntityID, string(e.Payload), e.LastSyncedAt, e.IsStale).
		Suffix("ON CONFLICT (entity_type, entity_id) DO UPDATE SET " +
			"payload = excluded.payload, " +
			"last_synced_at = excluded.last_synced_at, " +
			"is_stale = excluded.is_stale")

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building put cached entity query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing put cached entity query: %w", err)
	}

	return nil
}

// GetCachedEntity retrieves a cached entity
func (r *SQLRepository) GetCachedEntity(ctx context.Context, entityType EntityType, entityID string) (*CachedEntity, error) {
	q := squirrel.Select("entity_type", "entity_id", "payload", "last_synced_at", "is_stale").
		From("cached_entities").
		Where(squirrel.Eq{"entity_type": entityType, "entity_id": entityID})

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get cached entity query: %w", err)
	}

	var e CachedEntity
	var payload string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&e.EntityType,
		&e.EntityID,
		&payload,
		&e.LastSyncedAt,
		&e.IsStale,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("executing get cached entity query: %w", err)
	}

	e.Payload = json.RawMessage(payload)
	return &e, nil
}

// MarkCacheStale flags a cached entity as stale pending the next fetch
func (r *SQLRepository) MarkCacheStale(ctx context.Context, entityType EntityType, entityID string) error {
	q := squirrel.Update("cached_entities").
		Set("is_stale", true).
		Where(squirrel.Eq{"entity_type": entityType, "entity_id": entityID})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building mark cache stale query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing mark cache stale query: %w", err)
	}

	return nil
}

// CreateSyncLog persists a sync cycle audit record
func (r *SQLRepository) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	q := squirrel.Insert("sync_logs").
		Columns("id", "trigger_type", "synced_count", "failed_count", "conflict_count",
			"error_message", "started_at", "completed_at").
		Values(log.ID, log.Trigger, log.SyncedCount, log.FailedCount, log.ConflictCount,
			log.ErrorMessage, log.StartedAt, log.CompletedAt)

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building create sync log query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing create sync log query: %w", err)
	}

	return nil
}

// ListSyncLogs retrieves recent sync logs, most recent first
func (r *SQLRepository) ListSyncLogs(ctx context.Context, limit int) ([]*SyncLog, error) {
	q := squirrel.Select("id", "trigger_type", "synced_count", "failed_count", "conflict_count",
		"error_message", "started_at", "completed_at").
		From("sync_logs").
		OrderBy("completed_at DESC")

	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list sync logs query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list sync logs query: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		var log SyncLog
		err := rows.Scan(
			&log.ID,
			&log.Trigger,
			&log.SyncedCount,
			&log.FailedCount,
			&log.ConflictCount,
			&log.ErrorMessage,
			&log.StartedAt,
			&log.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning sync log row: %w", err)
		}
		logs = append(logs, &log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync log rows: %w", err)
	}

	return logs, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanMutation
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMutation(s scanner) (*QueuedMutation, error) {
	var m QueuedMutation
	var payload string
	var lastAttemptAt sql.NullTime
	var conflictLocal, conflictRemote sql.NullString
	var conflictDetectedAt sql.NullTime

	err := s.Scan(
		&m.ID,
		&m.EntityType,
		&m.EntityID,
		&payload,
		&m.Priority,
		&m.Status,
		&m.Checksum,
		&m.BaseChecksum,
		&m.AttemptCount,
		&lastAttemptAt,
		&m.NextRetryAt,
		&m.LastError,
		&conflictLocal,
		&conflictRemote,
		&conflictDetectedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Payload = json.RawMessage(payload)
	if lastAttemptAt.Valid {
		m.LastAttemptAt = &lastAttemptAt.Time
	}
	if conflictLocal.Valid || conflictRemote.Valid {
		m.Conflict = &ConflictSnapshot{
			Local:  json.RawMessage(conflictLocal.String),
			Remote: json.RawMessage(conflictRemote.String),
		}
		if conflictDetectedAt.Valid {
			m.Conflict.DetectedAt = conflictDetectedAt.Time
		}
	}

	return &m, nil
}
