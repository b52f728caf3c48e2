package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitpulse/fitsync/internal/config"
	"github.com/fitpulse/fitsync/internal/conflict"
	"github.com/fitpulse/fitsync/internal/loggy"
	"github.com/fitpulse/fitsync/internal/remote"
	"github.com/fitpulse/fitsync/internal/store"
)

// fakeRepo is an in-memory store.Repository for engine tests.
type fakeRepo struct {
	mu        sync.Mutex
	mutations map[string]*store.QueuedMutation
	cache     map[string]*store.CachedEntity
	syncLogs  []*store.SyncLog
	staleKeys []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		mutations: make(map[string]*store.QueuedMutation),
		cache:     make(map[string]*store.CachedEntity),
	}
}

func cacheKey(entityType store.EntityType, entityID string) string {
	return string(entityType) + "/" + entityID
}

func (f *fakeRepo) Enqueue(ctx context.Context, m *store.QueuedMutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.mutations {
		if existing.EntityType == m.EntityType && existing.EntityID == m.EntityID &&
			existing.Status != store.StatusConflict {
			existing.Payload = m.Payload
			existing.Checksum = m.Checksum
			existing.BaseChecksum = m.BaseChecksum
			existing.AttemptCount = 0
			existing.LastError = ""
			existing.NextRetryAt = time.Now()
			existing.Status = store.StatusPending
			m.ID = existing.ID
			m.CreatedAt = existing.CreatedAt
			return nil
		}
	}
	cp := *m
	f.mutations[m.ID] = &cp
	return nil
}

func (f *fakeRepo) GetMutation(ctx context.Context, id string) (*store.QueuedMutation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mutations[id]
	if !ok {
		return nil, store.ErrMutationNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeRepo) GetEligible(ctx context.Context, now time.Time, limit int) ([]*store.QueuedMutation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.QueuedMutation
	for _, m := range f.mutations {
		if m.Status == store.StatusPending && !m.NextRetryAt.After(now) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) ListMutations(ctx context.Context) ([]*store.QueuedMutation, error) {
	return f.GetEligible(ctx, time.Now().Add(time.Hour), 0)
}

func (f *fakeRepo) MarkSyncing(ctx context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mutations[id]
	if !ok || m.Status != store.StatusPending {
		return store.ErrNotClaimable
	}
	m.Status = store.StatusSyncing
	m.AttemptCount++
	m.LastAttemptAt = &now
	return nil
}

func (f *fakeRepo) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.mutations {
		if m.Status == store.StatusSyncing && m.LastAttemptAt != nil && m.LastAttemptAt.Before(olderThan) {
			m.Status = store.StatusPending
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) MarkSynced(ctx context.Context, id string) error {
	return f.DeleteMutation(ctx, id)
}

func (f *fakeRepo) MarkFailed(ctx context.Context, id string, errMsg string, nextRetryAt time.Time, terminal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mutations[id]
	if !ok {
		return store.ErrMutationNotFound
	}
	m.LastError = errMsg
	if terminal {
		m.Status = store.StatusFailed
	} else {
		m.Status = store.StatusPending
		m.NextRetryAt = nextRetryAt
	}
	return nil
}

func (f *fakeRepo) MarkConflict(ctx context.Context, id string, snapshot *store.ConflictSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mutations[id]
	if !ok {
		return store.ErrMutationNotFound
	}
	m.Status = store.StatusConflict
	m.Conflict = snapshot
	return nil
}

func (f *fakeRepo) ResolveConflict(ctx context.Context, id string, payload json.RawMessage, checksum, baseChecksum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mutations[id]
	if !ok || m.Status != store.StatusConflict {
		return store.ErrNotInConflict
	}
	m.Status = store.StatusPending
	m.Payload = payload
	m.Checksum = checksum
	m.BaseChecksum = baseChecksum
	m.Conflict = nil
	m.NextRetryAt = time.Now()
	return nil
}

func (f *fakeRepo) DeleteMutation(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mutations, id)
	return nil
}

func (f *fakeRepo) CountByStatus(ctx context.Context) (*store.StatusCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := &store.StatusCounts{}
	for _, m := range f.mutations {
		switch m.Status {
		case store.StatusPending:
			counts.Pending++
		case store.StatusSyncing:
			counts.Syncing++
		case store.StatusFailed:
			counts.Failed++
		case store.StatusConflict:
			counts.Conflicts++
		}
	}
	return counts, nil
}

func (f *fakeRepo) PutCachedEntity(ctx context.Context, e *store.CachedEntity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.cache[cacheKey(e.EntityType, e.EntityID)] = &cp
	return nil
}

func (f *fakeRepo) GetCachedEntity(ctx context.Context, entityType store.EntityType, entityID string) (*store.CachedEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.cache[cacheKey(entityType, entityID)]
	if !ok {
		return nil, store.ErrEntityNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeRepo) MarkCacheStale(ctx context.Context, entityType store.EntityType, entityID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleKeys = append(f.staleKeys, cacheKey(entityType, entityID))
	if e, ok := f.cache[cacheKey(entityType, entityID)]; ok {
		e.IsStale = true
	}
	return nil
}

func (f *fakeRepo) CreateSyncLog(ctx context.Context, log *store.SyncLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncLogs = append(f.syncLogs, log)
	return nil
}

func (f *fakeRepo) ListSyncLogs(ctx context.Context, limit int) ([]*store.SyncLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncLogs, nil
}

// fakeAPI is a scriptable remote.API double.
type fakeAPI struct {
	mu        sync.Mutex
	submitted []string // entity IDs in submission order
	checksums map[string]*remote.ChecksumResponse
	submitErr map[string]error // per entity ID
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		checksums: make(map[string]*remote.ChecksumResponse),
		submitErr: make(map[string]error),
	}
}

func (f *fakeAPI) Submit(ctx context.Context, entityType store.EntityType, entityID string, payload json.RawMessage) (*remote.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.submitErr[entityID]; ok {
		return nil, err
	}
	f.submitted = append(f.submitted, entityID)
	return &remote.SubmitResponse{Success: true, Checksum: conflict.Checksum(payload)}, nil
}

func (f *fakeAPI) GetChecksum(ctx context.Context, entityType store.EntityType, entityID string) (*remote.ChecksumResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, ok := f.checksums[entityID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return resp, nil
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		MaxRetries:   3,
		BackoffBase:  time.Minute,
		BatchLimit:   100,
		GuardTTL:     5 * time.Minute,
		IntervalGood: 5 * time.Minute,
		IntervalFair: 10 * time.Minute,
		IntervalPoor: 30 * time.Minute,
	}
}

func newTestEngine(repo *fakeRepo, api *fakeAPI) *Engine {
	logger := loggy.NewNoopLogger()
	detector := conflict.NewDetector(api, logger)
	resolver := conflict.NewResolver(nil, logger)
	return New(repo, api, detector, resolver, testSyncConfig(), logger)
}

func TestEnqueueAssignsPriorityAndChecksum(t *testing.T) {
	repo := newFakeRepo()
	e := newTestEngine(repo, newFakeAPI())

	payload := json.RawMessage(`{"distance_km":5.2}`)
	m, err := e.Enqueue(context.Background(), store.EntityTypeActivity, "ent_a", payload, "")

	require.NoError(t, err)
	assert.Equal(t, store.PriorityHigh, m.Priority)
	assert.Equal(t, conflict.Checksum(payload), m.Checksum)
	assert.Equal(t, store.StatusPending, m.Status)
	assert.Contains(t, repo.staleKeys, "activity/ent_a")
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	e := newTestEngine(newFakeRepo(), newFakeAPI())

	_, err := e.Enqueue(context.Background(), store.EntityType("workout"), "ent_a", json.RawMessage(`{}`), "")
	assert.ErrorIs(t, err, ErrInvalidEntityType)

	_, err = e.Enqueue(context.Background(), store.EntityTypeActivity, "ent_a", json.RawMessage(`{not json`), "")
	assert.Error(t, err)
}

func TestEnqueueSupersedesSameTarget(t *testing.T) {
	repo := newFakeRepo()
	e := newTestEngine(repo, newFakeAPI())
	ctx := context.Background()

	first, err := e.Enqueue(ctx, store.EntityTypeActivity, "ent_a", json.RawMessage(`{"v":1}`), "")
	require.NoError(t, err)
	second, err := e.Enqueue(ctx, store.EntityTypeActivity, "ent_a", json.RawMessage(`{"v":2}`), "")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, repo.mutations, 1)
	assert.JSONEq(t, `{"v":2}`, string(repo.mutations[first.ID].Payload))
}

func TestSyncDeliversByPriorityThenFIFO(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeAPI()
	e := newTestEngine(repo, api)
	ctx := context.Background()

	// Enqueue in deliberately scrambled order; two activities to check
	// FIFO within a priority tier. All creates so no conflict checks fire.
	_, err := e.Enqueue(ctx, store.EntityTypeProfile, "ent_profile", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, store.EntityTypeActivity, "ent_run1", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, store.EntityTypeTeam, "ent_team", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, store.EntityTypeActivity, "ent_run2", json.RawMessage(`{}`), "")
	require.NoError(t, err)

	result, err := e.Sync(ctx, store.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 4, result.Synced)
	assert.Equal(t, []string{"ent_run1", "ent_run2", "ent_team", "ent_profile"}, api.submitted)
	assert.Empty(t, repo.mutations, "synced mutations are pruned")
}

func TestSyncRefreshesCacheAndLogsCycle(t *testing.T) {
	repo := newFakeRepo()
	e := newTestEngine(repo, newFakeAPI())
	ctx := context.Background()

	payload := json.RawMessage(`{"distance_km":5.2}`)
	_, err := e.Enqueue(ctx, store.EntityTypeActivity, "ent_a", payload, "")
	require.NoError(t, err)

	_, err = e.Sync(ctx, store.TriggerScheduled)
	require.NoError(t, err)

	cached, err := repo.GetCachedEntity(ctx, store.EntityTypeActivity, "ent_a")
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(cached.Payload))
	assert.False(t, cached.IsStale)

	require.Len(t, repo.syncLogs, 1)
	assert.Equal(t, store.TriggerScheduled, repo.syncLogs[0].Trigger)
	assert.Equal(t, 1, repo.syncLogs[0].SyncedCount)
}

func TestSyncSingleFlight(t *testing.T) {
	e := newTestEngine(newFakeRepo(), newFakeAPI())

	require.NoError(t, e.acquireGuard())
	_, err := e.Sync(context.Background(), store.TriggerManual)
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

func TestStaleGuardIsStolen(t *testing.T) {
	e := newTestEngine(newFakeRepo(), newFakeAPI())

	require.NoError(t, e.acquireGuard())
	e.mu.Lock()
	e.syncingSince = time.Now().Add(-10 * time.Minute) // past GuardTTL
	e.mu.Unlock()

	_, err := e.Sync(context.Background(), store.TriggerManual)
	assert.NoError(t, err)
}

func TestStrandedSyncingRowIsRecoveredAfterRestart(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeAPI()
	e := newTestEngine(repo, api)
	ctx := context.Background()

	// A previous process claimed the row and died before recording an
	// outcome; the durable state says syncing with an old claim timestamp.
	m, err := e.Enqueue(ctx, store.EntityTypeActivity, "ent_a", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	require.NoError(t, repo.MarkSyncing(ctx, m.ID, time.Now().Add(-10*time.Minute)))

	restarted := newTestEngine(repo, api)
	result, err := restarted.Sync(ctx, store.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, []string{"ent_a"}, api.submitted)
	assert.Empty(t, repo.mutations)
}

func TestFreshClaimIsNotReclaimed(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeAPI()
	e := newTestEngine(repo, api)
	ctx := context.Background()

	m, err := e.Enqueue(ctx, store.EntityTypeActivity, "ent_a", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	require.NoError(t, repo.MarkSyncing(ctx, m.ID, time.Now()))

	result, err := e.Sync(ctx, store.TriggerManual)
	require.NoError(t, err)

	assert.Zero(t, result.Synced)
	assert.Empty(t, api.submitted, "a claim within the guard TTL belongs to a live cycle")
	assert.Equal(t, store.StatusSyncing, repo.mutations[m.ID].Status)
}

func TestRetryableFailureSchedulesBackoff(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeAPI()
	api.submitErr["ent_a"] = remote.APIError{StatusCode: 500, Message: "boom"}
	e := newTestEngine(repo, api)
	ctx := context.Background()

	m, err := e.Enqueue(ctx, store.EntityTypeActivity, "ent_a", json.RawMessage(`{}`), "")
	require.NoError(t, err)

	before := time.Now()
	result, err := e.Sync(ctx, store.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.False(t, result.Errors[0].Terminal)

	stored := repo.mutations[m.ID]
	require.NotNil(t, stored)
	assert.Equal(t, store.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.NotEmpty(t, stored.LastError)

	// attempt 1: next retry is base * 2^1 = 2m out
	expected := before.Add(2 * time.Minute)
	assert.WithinDuration(t, expected, stored.NextRetryAt, 5*time.Second)
}

func TestBackoffGrowsExponentially(t *testing.T) {
	e := newTestEngine(newFakeRepo(), newFakeAPI())

	assert.Equal(t, time.Minute, e.backoffDelay(0))
	assert.Equal(t, 2*time.Minute, e.backoffDelay(1))
	assert.Equal(t, 4*time.Minute, e.backoffDelay(2))
	assert.Equal(t, 8*time.Minute, e.backoffDelay(3))
}

func TestTerminalAfterMaxRetries(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeAPI()
	api.submitErr["ent_a"] = remote.APIError{StatusCode: 503, Message: "unavailable"}
	e := newTestEngine(repo, api)
	ctx := context.Background()

	m, err := e.Enqueue(ctx, store.EntityTypeActivity, "ent_a", json.RawMessage(`{}`), "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		repo.mu.Lock()
		repo.mutations[m.ID].NextRetryAt = time.Now().Add(-time.Second)
		repo.mu.Unlock()

		_, err := e.Sync(ctx, store.TriggerManual)
		require.NoError(t, err)
	}

	stored := repo.mutations[m.ID]
	require.NotNil(t, stored, "terminally failed mutations are retained, never silently dropped")
	assert.Equal(t, store.StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.AttemptCount)

	// A further cycle must not touch it.
	result, err := e.Sync(ctx, store.TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Synced)
}

func TestNonRetryableRejectionIsTerminalImmediately(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeAPI()
	api.submitErr["ent_a"] = remote.APIError{StatusCode: 422, Message: "validation failed"}
	e := newTestEngine(repo, api)
	ctx := context.Background()

	m, err := e.Enqueue(ctx, store.EntityTypeActivity, "ent_a", json.RawMessage(`{}`), "")
	require.NoError(t, err)

	result, err := e.Sync(ctx, store.TriggerManual)
	require.NoError(t, err)

	require.Len(t, result.Errors, 1)
	assert.True(t, result.Errors[0].Terminal)
	assert.Equal(t, store.StatusFailed, repo.mutations[m.ID].Status)
	assert.Equal(t, 1, repo.mutations[m.ID].AttemptCount)
}

func TestOneFailureDoesNotAbortCycle(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeAPI()
	api.submitErr["ent_bad"] = remote.APIError{StatusCode: 500, Message: "boom"}
	e := newTestEngine(repo, api)
	ctx := context.Background()

	_, err := e.Enqueue(ctx, store.EntityTypeActivity, "ent_bad", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, store.EntityTypeActivity, "ent_good", json.RawMessage(`{}`), "")
	require.NoError(t, err)

	result, err := e.Sync(ctx, store.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, api.submitted, "ent_good")
}

func TestConflictKeepLocalSubmitsLocalPayload(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeAPI()
	// Server moved past the base version of an activity update.
	api.checksums["ent_a"] = &remote.ChecksumResponse{
		Checksum: "remote-sum",
		Payload:  json.RawMessage(`{"distance_km":9.9}`),
	}
	e := newTestEngine(repo, api)
	ctx := context.Background()

	local := json.RawMessage(`{"distance_km":5.2}`)
	_, err := e.Enqueue(ctx, store.EntityTypeActivity, "ent_a", local, "base-sum")
	require.NoError(t, err)

	result, err := e.Sync(ctx, store.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Synced)
	assert.Zero(t, result.Conflicts)
	assert.Equal(t, []string{"ent_a"}, api.submitted)

	cached, err := repo.GetCachedEntity(ctx, store.EntityTypeActivity, "ent_a")
	require.NoError(t, err)
	assert.JSONEq(t, string(local), string(cached.Payload))
}

func TestConflictKeepRemoteDiscardsLocal(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeAPI()
	remotePayload := json.RawMessage(`{"name":"evening runners"}`)
	api.checksums["ent_t"] = &remote.ChecksumResponse{Checksum: "remote-sum", Payload: remotePayload}
	e := newTestEngine(repo, api)
	ctx := context.Background()

	_, err := e.Enqueue(ctx, store.EntityTypeTeam, "ent_t", json.RawMessage(`{"name":"morning runners"}`), "base-sum")
	require.NoError(t, err)

	result, err := e.Sync(ctx, store.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Synced)
	assert.Empty(t, api.submitted, "remote wins without a submission")
	assert.Empty(t, repo.mutations)

	cached, err := repo.GetCachedEntity(ctx, store.EntityTypeTeam, "ent_t")
	require.NoError(t, err)
	assert.JSONEq(t, string(remotePayload), string(cached.Payload))
}

func TestConflictMergeSubmitsMergedPayload(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeAPI()
	api.checksums["ent_p"] = &remote.ChecksumResponse{
		Checksum: "remote-sum",
		Payload:  json.RawMessage(`{"display_name":"Ada L.","avatar_url":"https://img/a.png"}`),
	}
	e := newTestEngine(repo, api)
	ctx := context.Background()

	_, err := e.Enqueue(ctx, store.EntityTypeProfile, "ent_p",
		json.RawMessage(`{"display_name":"Ada","weekly_goal_km":40}`), "base-sum")
	require.NoError(t, err)

	result, err := e.Sync(ctx, store.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Synced)

	cached, err := repo.GetCachedEntity(ctx, store.EntityTypeProfile, "ent_p")
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"display_name":"Ada","weekly_goal_km":40,"avatar_url":"https://img/a.png"}`,
		string(cached.Payload))
}

func TestRemoteDeleteParksConflictForManualResolution(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeAPI() // no checksum registered: remote 404s
	e := newTestEngine(repo, api)
	ctx := context.Background()

	m, err := e.Enqueue(ctx, store.EntityTypeTeam, "ent_t", json.RawMessage(`{"name":"x"}`), "base-sum")
	require.NoError(t, err)

	result, err := e.Sync(ctx, store.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Conflicts)
	stored := repo.mutations[m.ID]
	require.NotNil(t, stored)
	assert.Equal(t, store.StatusConflict, stored.Status)
	require.NotNil(t, stored.Conflict)
	assert.JSONEq(t, `{"name":"x"}`, string(stored.Conflict.Local))
	assert.Nil(t, stored.Conflict.Remote)
}

func TestResolveManuallyLocalRequeuesRebased(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeAPI()
	e := newTestEngine(repo, api)
	ctx := context.Background()

	remotePayload := json.RawMessage(`{"name":"evening runners"}`)
	m := store.NewQueuedMutation(store.EntityTypeTeam, "ent_t", json.RawMessage(`{"name":"morning runners"}`), "sum", "base")
	require.NoError(t, repo.Enqueue(ctx, m))
	require.NoError(t, repo.MarkConflict(ctx, m.ID, &store.ConflictSnapshot{
		Local:      m.Payload,
		Remote:     remotePayload,
		DetectedAt: time.Now(),
	}))

	require.NoError(t, e.ResolveManually(ctx, m.ID, "local"))

	stored := repo.mutations[m.ID]
	assert.Equal(t, store.StatusPending, stored.Status)
	assert.JSONEq(t, `{"name":"morning runners"}`, string(stored.Payload))
	assert.Equal(t, conflict.Checksum(remotePayload), stored.BaseChecksum,
		"replay is rebased on the remote version")
	assert.Nil(t, stored.Conflict)

	// The rebased replay now matches the server's checksum, so it goes
	// through without re-conflicting.
	api.checksums["ent_t"] = &remote.ChecksumResponse{Checksum: conflict.Checksum(remotePayload), Payload: remotePayload}
	result, err := e.Sync(ctx, store.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Zero(t, result.Conflicts)
}

func TestResolveManuallyRemoteDiscardsMutation(t *testing.T) {
	repo := newFakeRepo()
	e := newTestEngine(repo, newFakeAPI())
	ctx := context.Background()

	remotePayload := json.RawMessage(`{"name":"evening runners"}`)
	m := store.NewQueuedMutation(store.EntityTypeTeam, "ent_t", json.RawMessage(`{"name":"morning runners"}`), "sum", "base")
	require.NoError(t, repo.Enqueue(ctx, m))
	require.NoError(t, repo.MarkConflict(ctx, m.ID, &store.ConflictSnapshot{
		Local: m.Payload, Remote: remotePayload, DetectedAt: time.Now(),
	}))

	require.NoError(t, e.ResolveManually(ctx, m.ID, "remote"))

	assert.Empty(t, repo.mutations)
	cached, err := repo.GetCachedEntity(ctx, store.EntityTypeTeam, "ent_t")
	require.NoError(t, err)
	assert.JSONEq(t, string(remotePayload), string(cached.Payload))
}

func TestResolveManuallyValidation(t *testing.T) {
	repo := newFakeRepo()
	e := newTestEngine(repo, newFakeAPI())
	ctx := context.Background()

	assert.ErrorIs(t, e.ResolveManually(ctx, "mut_x", "both"), ErrInvalidChoice)
	assert.ErrorIs(t, e.ResolveManually(ctx, "mut_x", "local"), store.ErrMutationNotFound)

	// A pending mutation is not resolvable.
	m, err := e.Enqueue(ctx, store.EntityTypeActivity, "ent_a", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	assert.ErrorIs(t, e.ResolveManually(ctx, m.ID, "local"), store.ErrNotInConflict)
}

func TestResolveManuallyBlockedDuringSync(t *testing.T) {
	e := newTestEngine(newFakeRepo(), newFakeAPI())

	require.NoError(t, e.acquireGuard())
	err := e.ResolveManually(context.Background(), "mut_x", "local")
	assert.ErrorIs(t, err, ErrSyncInProgress)
}

func TestStatusReportsQueueDepths(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeAPI()
	api.submitErr["ent_fail"] = remote.APIError{StatusCode: 400, Message: "bad"}
	e := newTestEngine(repo, api)
	ctx := context.Background()

	_, err := e.Enqueue(ctx, store.EntityTypeActivity, "ent_fail", json.RawMessage(`{}`), "")
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, store.EntityTypeProfile, "ent_pending", json.RawMessage(`{}`), "")
	require.NoError(t, err)

	// Park a conflict by hand.
	m := store.NewQueuedMutation(store.EntityTypeTeam, "ent_conf", json.RawMessage(`{}`), "sum", "base")
	require.NoError(t, repo.Enqueue(ctx, m))
	require.NoError(t, repo.MarkConflict(ctx, m.ID, &store.ConflictSnapshot{
		Local: m.Payload, DetectedAt: time.Now(),
	}))

	status, err := e.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.IsSyncing)
	assert.Equal(t, 2, status.Pending)
	assert.Equal(t, 1, status.Conflicts)

	_, err = e.Sync(ctx, store.TriggerManual)
	require.NoError(t, err)

	status, err = e.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.Pending)
	assert.Equal(t, 1, status.Failed)
	assert.Equal(t, 1, status.Conflicts)
	require.NotNil(t, status.LastSyncAt)
}

func TestStatusReportsNetworkState(t *testing.T) {
	e := newTestEngine(newFakeRepo(), newFakeAPI())
	ctx := context.Background()

	status, err := e.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Online)
	assert.Empty(t, status.NetworkQuality)

	e.SetConnectivitySource(func() Connectivity {
		return Connectivity{Online: true, Quality: "fair"}
	})

	status, err = e.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Online)
	assert.Equal(t, "fair", status.NetworkQuality)
}

func TestBatchLimitBoundsCycle(t *testing.T) {
	repo := newFakeRepo()
	api := newFakeAPI()
	logger := loggy.NewNoopLogger()
	cfg := testSyncConfig()
	cfg.BatchLimit = 2
	e := New(repo, api, conflict.NewDetector(api, logger), conflict.NewResolver(nil, logger), cfg, logger)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.Enqueue(ctx, store.EntityTypeActivity, fmt.Sprintf("ent_%d", i), json.RawMessage(`{}`), "")
		require.NoError(t, err)
	}

	result, err := e.Sync(ctx, store.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)
	assert.Len(t, repo.mutations, 3)
}
