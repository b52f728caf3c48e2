package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fitpulse/fitsync/internal/loggy"
	"github.com/fitpulse/fitsync/internal/remote"
	"github.com/fitpulse/fitsync/internal/store"
)

// Detection is the outcome of checking a mutation against the server's
// current state.
type Detection struct {
	// Conflict is true when the server's version diverged from the base
	// the mutation was built on.
	Conflict bool

	// RemotePayload is the server's current payload, populated when a
	// conflict was detected and the server returned one.
	RemotePayload json.RawMessage

	// RemoteChecksum is the server's current checksum, empty when the
	// entity no longer exists remotely.
	RemoteChecksum string
}

// Detector decides whether a mutation can be applied cleanly or collides
// with a concurrent remote change.
type Detector struct {
	api    remote.API
	logger *loggy.Logger
}

// NewDetector creates a detector backed by the given remote API.
func NewDetector(api remote.API, logger *loggy.Logger) *Detector {
	return &Detector{api: api, logger: logger}
}

// Check compares the mutation's base checksum with the server's current
// checksum. Creates carry no base checksum and never conflict: the entity
// did not exist when the mutation was recorded, so there is nothing to
// diverge from. Updates conflict when the server moved past the base
// version, including when the entity was deleted remotely.
func (d *Detector) Check(ctx context.Context, m *store.QueuedMutation) (*Detection, error) {
	if m.IsCreate() {
		return &Detection{Conflict: false}, nil
	}

	resp, err := d.api.GetChecksum(ctx, m.EntityType, m.EntityID)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			// The base version existed but the server no longer has the
			// entity: a concurrent remote delete.
			d.logger.Debug("conflict: entity deleted remotely",
				"mutation_id", m.ID, "entity_type", m.EntityType, "entity_id", m.EntityID)
			return &Detection{Conflict: true}, nil
		}
		return nil, fmt.Errorf("fetching remote checksum: %w", err)
	}

	if resp.Checksum == m.BaseChecksum {
		return &Detection{Conflict: false, RemoteChecksum: resp.Checksum}, nil
	}

	d.logger.Debug("conflict: remote diverged from base",
		"mutation_id", m.ID, "entity_type", m.EntityType, "entity_id", m.EntityID,
		"base_checksum", m.BaseChecksum, "remote_checksum", resp.Checksum)

	return &Detection{
		Conflict:       true,
		RemotePayload:  resp.Payload,
		RemoteChecksum: resp.Checksum,
	}, nil
}
