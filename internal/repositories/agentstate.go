package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/threadpulse-io/threadpulse/internal/db"
)

// gormAgentStateRepository is the GORM implementation of AgentStateRepository.
type gormAgentStateRepository struct {
	db *gorm.DB
}

// NewAgentStateRepository returns an AgentStateRepository backed by the provided *gorm.DB.
func NewAgentStateRepository(db *gorm.DB) AgentStateRepository {
	return &gormAgentStateRepository{db: db}
}

// UpsertHeartbeat writes the agent's current liveness row, creating it on
// first heartbeat. One row per role; the registry remains the source of
// truth for routing, this table is the durable audit mirror.
func (r *gormAgentStateRepository) UpsertHeartbeat(ctx context.Context, state *db.AgentState) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "agent_role"}},
			DoUpdates: clause.Assignments(map[string]any{
				"status":          state.Status,
				"current_task_id": state.CurrentTaskID,
				"heartbeat_at":    state.HeartbeatAt,
				"capabilities":    state.Capabilities,
				"updated_at":      state.UpdatedAt,
			}),
		}).
		Create(state).Error
	if err != nil {
		return fmt.Errorf("agent states: upsert heartbeat: %w", err)
	}
	return nil
}

// Get retrieves the state row for one agent role.
func (r *gormAgentStateRepository) Get(ctx context.Context, role string) (*db.AgentState, error) {
	var state db.AgentState
	err := r.db.WithContext(ctx).First(&state, "agent_role = ?", role).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agent states: get: %w", err)
	}
	return &state, nil
}

// List returns all agent state rows ordered by role.
func (r *gormAgentStateRepository) List(ctx context.Context) ([]db.AgentState, error) {
	var states []db.AgentState
	err := r.db.WithContext(ctx).
		Order("agent_role ASC").
		Find(&states).Error
	if err != nil {
		return nil, fmt.Errorf("agent states: list: %w", err)
	}
	return states, nil
}
