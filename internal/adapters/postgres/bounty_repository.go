package postgres

import (
	"context"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
	"gorm.io/gorm"
)

type bountyRepository struct {
	db *gorm.DB
}

func (r *bountyRepository) Create(ctx context.Context, bounty domain.Bounty) error {
	if bounty.EscrowStatus == "" {
		bounty.EscrowStatus = domain.EscrowStatusNone
	}
	if bounty.Status == "" {
		bounty.Status = domain.BountyStatusOpen
	}
	rec := toBountyModel(bounty)
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *bountyRepository) GetByID(ctx context.Context, bountyID string) (domain.Bounty, error) {
	var rec bountyModel
	if err := r.db.WithContext(ctx).Where("bounty_id = ?", bountyID).Take(&rec).Error; err != nil {
		if notFound(err) {
			return domain.Bounty{}, domain.ErrNotFound
		}
		return domain.Bounty{}, err
	}
	return toDomainBounty(rec), nil
}

func (r *bountyRepository) UpdateEscrow(ctx context.Context, bounty domain.Bounty, expected domain.EscrowStatus) error {
	rec := toBountyModel(bounty)
	res := r.db.WithContext(ctx).Model(&bountyModel{}).
		Where("bounty_id = ? AND escrow_status = ?", bounty.BountyID, string(expected)).
		Updates(map[string]any{
			"title":           rec.Title,
			"funder_id":       rec.FunderID,
			"status":          rec.Status,
			"escrow_status":   rec.EscrowStatus,
			"escrow_hold_ref": rec.EscrowHoldRef,
			"escrow_amount":   rec.EscrowAmount,
			"completed_by":    rec.CompletedBy,
			"completed_at":    rec.CompletedAt,
			"transfer_ref":    rec.TransferRef,
			"updated_at":      rec.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&bountyModel{}).Where("bounty_id = ?", bounty.BountyID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

func (r *bountyRepository) ListByEscrowStatus(ctx context.Context, status domain.EscrowStatus, limit int) ([]domain.Bounty, error) {
	var rows []bountyModel
	if err := r.db.WithContext(ctx).Where("escrow_status = ?", string(status)).Order("updated_at asc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Bounty, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomainBounty(row))
	}
	return out, nil
}

var _ ports.BountyRepository = (*bountyRepository)(nil)
