package executor

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/tiletimeline/internal/models"
	"github.com/friendsincode/tiletimeline/internal/scheduler"
	"github.com/friendsincode/tiletimeline/internal/timeline"
)

// ErrStateNotFound indicates no state was ever persisted for a tile.
var ErrStateNotFound = errors.New("session state not found")

// StateManager persists scheduler snapshots so a tile can move between
// instances without re-delivering its entry or resetting the update delay.
// Rows are always read from the database, since another instance may have
// owned the tile since this one last saw it.
type StateManager struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewStateManager creates a session state manager.
func NewStateManager(db *gorm.DB, logger zerolog.Logger) *StateManager {
	return &StateManager{
		db:     db,
		logger: logger.With().Str("component", "session_state").Logger(),
	}
}

// GetState retrieves the persisted state for a tile.
func (sm *StateManager) GetState(ctx context.Context, tileID string) (models.SessionState, error) {
	var st models.SessionState
	err := sm.db.WithContext(ctx).Where("tile_id = ?", tileID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.SessionState{}, ErrStateNotFound
	}
	if err != nil {
		return models.SessionState{}, fmt.Errorf("query session state: %w", err)
	}
	return st, nil
}

// Resume returns the handover seed for tileID, or nil when the tile never
// committed an entry.
func (sm *StateManager) Resume(ctx context.Context, tileID string) (*scheduler.Resume, error) {
	st, err := sm.GetState(ctx, tileID)
	if errors.Is(err, ErrStateNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if st.CurrentIndex < 0 || st.LastChangeMillis < 0 {
		return nil, nil
	}
	return &scheduler.Resume{
		Revision:         st.Revision,
		CurrentIndex:     st.CurrentIndex,
		LastChangeMillis: uint64(st.LastChangeMillis),
	}, nil
}

// Save upserts the snapshot of a tile owned by instanceID.
func (sm *StateManager) Save(ctx context.Context, tileID, instanceID string, snap scheduler.State) error {
	st := models.SessionState{
		TileID:           tileID,
		InstanceID:       instanceID,
		Phase:            snap.Phase.String(),
		Revision:         snap.Revision,
		CurrentIndex:     snap.CurrentIndex,
		LastChangeMillis: toSigned(snap.LastChangeMillis),
		NextWakeMillis:   toSigned(snap.NextWakeMillis),
	}
	if !snap.HasChanged {
		st.CurrentIndex = -1
	}

	err := sm.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tile_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"instance_id", "phase", "revision", "current_index", "last_change_millis", "next_wake_millis", "updated_at"}),
	}).Create(&st).Error
	if err != nil {
		return fmt.Errorf("save session state: %w", err)
	}

	sm.logger.Debug().
		Str("tile_id", tileID).
		Str("phase", st.Phase).
		Int("current_index", st.CurrentIndex).
		Msg("session state saved")
	return nil
}

// ListStates returns all persisted session states.
func (sm *StateManager) ListStates(ctx context.Context) ([]models.SessionState, error) {
	var states []models.SessionState
	if err := sm.db.WithContext(ctx).Order("tile_id").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("list session states: %w", err)
	}
	return states, nil
}

// Delete removes the persisted state of a tile.
func (sm *StateManager) Delete(ctx context.Context, tileID string) error {
	if err := sm.db.WithContext(ctx).Where("tile_id = ?", tileID).Delete(&models.SessionState{}).Error; err != nil {
		return fmt.Errorf("delete session state: %w", err)
	}
	return nil
}

// toSigned maps an instant to its column value. Forever becomes NoWake.
func toSigned(ms uint64) int64 {
	if ms == timeline.Forever || ms > math.MaxInt64 {
		return models.NoWake
	}
	return int64(ms)
}
