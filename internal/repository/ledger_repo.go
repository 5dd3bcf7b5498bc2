package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timmy/exposcan/internal/domain"
)

// LedgerRepository is the append-only credit ledger table.
type LedgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a new LedgerRepository.
func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Append inserts entries, skipping any whose idempotency key already exists.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - entries: entries to append.
// Returns:
//   - int: number of entries actually written.
//   - error: non-nil if the insert fails.
func (r *LedgerRepository) Append(ctx context.Context, entries ...domain.CreditLedgerEntry) (int, error) {
	written := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range entries {
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "idempotency_key"}},
				DoNothing: true,
			}).Create(&entries[i])
			if res.Error != nil {
				return res.Error
			}
			written += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// Entries returns a workspace's entries in append order.
func (r *LedgerRepository) Entries(ctx context.Context, workspaceID string) ([]domain.CreditLedgerEntry, error) {
	var entries []domain.CreditLedgerEntry
	err := r.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at, id").
		Find(&entries).Error
	return entries, err
}
