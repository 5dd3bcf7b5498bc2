package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timmy/exposcan/internal/domain"
)

// WorkspaceRepository stores workspace tiers and serves them to admission control.
type WorkspaceRepository struct {
	db          *gorm.DB
	defaultTier domain.Tier
}

// NewWorkspaceRepository creates a new WorkspaceRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//   - defaultTier: tier reported for workspaces with no row.
// Returns:
//   - *WorkspaceRepository: repository instance bound to db.
func NewWorkspaceRepository(db *gorm.DB, defaultTier domain.Tier) *WorkspaceRepository {
	if defaultTier == "" {
		defaultTier = domain.TierFree
	}
	return &WorkspaceRepository{db: db, defaultTier: defaultTier}
}

// Tier returns the workspace's tier, or the default tier if it is unknown.
func (r *WorkspaceRepository) Tier(ctx context.Context, workspaceID string) (domain.Tier, error) {
	var ws domain.Workspace
	err := r.db.WithContext(ctx).First(&ws, "id = ?", workspaceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.defaultTier, nil
	}
	if err != nil {
		return "", err
	}
	return ws.Tier, nil
}

// SetTier creates the workspace or updates its tier.
func (r *WorkspaceRepository) SetTier(ctx context.Context, workspaceID string, tier domain.Tier) error {
	ws := domain.Workspace{ID: workspaceID, Tier: tier}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tier", "updated_at"}),
	}).Create(&ws).Error
}
