package postgres

import (
	"context"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
	"gorm.io/gorm"
)

type earningsRepository struct {
	db *gorm.DB
}

func (r *earningsRepository) Append(ctx context.Context, record domain.EarningsRecord) error {
	rec := toEarningsModel(record)
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *earningsRepository) Get(ctx context.Context, solverID, bountyID string) (domain.EarningsRecord, error) {
	var rec earningsModel
	if err := r.db.WithContext(ctx).Where("solver_id = ? AND bounty_id = ?", solverID, bountyID).Take(&rec).Error; err != nil {
		if notFound(err) {
			return domain.EarningsRecord{}, domain.ErrNotFound
		}
		return domain.EarningsRecord{}, err
	}
	return toDomainEarnings(rec), nil
}

func (r *earningsRepository) ListBySolver(ctx context.Context, solverID string) ([]domain.EarningsRecord, error) {
	var rows []earningsModel
	if err := r.db.WithContext(ctx).Where("solver_id = ?", solverID).Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.EarningsRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomainEarnings(row))
	}
	return out, nil
}

var _ ports.EarningsRepository = (*earningsRepository)(nil)
