package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPriority(t *testing.T) {
	tests := []struct {
		entityType EntityType
		want       Priority
	}{
		{EntityTypeActivity, PriorityHigh},
		{EntityTypeTeam, PriorityMedium},
		{EntityTypeProfile, PriorityLow},
		{EntityType("workout"), PriorityLow},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultPriority(tt.entityType), "entity type %s", tt.entityType)
	}
}

func TestPriorityOrdering(t *testing.T) {
	// High syncs before medium before low.
	assert.Less(t, int(PriorityHigh), int(PriorityMedium))
	assert.Less(t, int(PriorityMedium), int(PriorityLow))
}

func TestEntityTypeValid(t *testing.T) {
	assert.True(t, EntityTypeActivity.Valid())
	assert.True(t, EntityTypeTeam.Valid())
	assert.True(t, EntityTypeProfile.Valid())
	assert.False(t, EntityType("workout").Valid())
	assert.False(t, EntityType("").Valid())
}

func TestNewQueuedMutation(t *testing.T) {
	m := NewQueuedMutation(EntityTypeActivity, "ent_a", json.RawMessage(`{"v":1}`), "sum", "")

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, PriorityHigh, m.Priority)
	assert.Equal(t, StatusPending, m.Status)
	assert.True(t, m.IsCreate())
	assert.Zero(t, m.AttemptCount)
	assert.False(t, m.NextRetryAt.After(m.CreatedAt), "new mutations are immediately eligible")

	update := NewQueuedMutation(EntityTypeProfile, "ent_p", json.RawMessage(`{}`), "sum", "base")
	assert.False(t, update.IsCreate())
	assert.Equal(t, PriorityLow, update.Priority)
}

func TestSyncLogComplete(t *testing.T) {
	l := NewSyncLog(TriggerReconnect)
	started := l.StartedAt

	l.Complete(3, 1, 2, "one failure")

	assert.Equal(t, 3, l.SyncedCount)
	assert.Equal(t, 1, l.FailedCount)
	assert.Equal(t, 2, l.ConflictCount)
	assert.Equal(t, "one failure", l.ErrorMessage)
	assert.Equal(t, started, l.StartedAt)
	assert.False(t, l.CompletedAt.Before(started))
}
