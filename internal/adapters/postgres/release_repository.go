package postgres

import (
	"context"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
	"gorm.io/gorm"
)

type releaseRepository struct {
	db *gorm.DB
}

func (r *releaseRepository) Create(ctx context.Context, record domain.ReleaseRecord) error {
	rec, err := toReleaseModel(record)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *releaseRepository) GetByBountyID(ctx context.Context, bountyID string) (domain.ReleaseRecord, error) {
	var rec releaseRecordModel
	if err := r.db.WithContext(ctx).Where("bounty_id = ?", bountyID).Take(&rec).Error; err != nil {
		if notFound(err) {
			return domain.ReleaseRecord{}, domain.ErrNotFound
		}
		return domain.ReleaseRecord{}, err
	}
	return toDomainRelease(rec)
}

func (r *releaseRepository) Update(ctx context.Context, record domain.ReleaseRecord) error {
	rec, err := toReleaseModel(record)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&releaseRecordModel{}).
		Where("bounty_id = ?", record.BountyID).
		Updates(map[string]any{
			"solver_id":         rec.SolverID,
			"phase":             rec.Phase,
			"captured_amount":   rec.CapturedAmount,
			"platform_fee":      rec.PlatformFee,
			"solver_amount":     rec.SolverAmount,
			"fee_model":         rec.FeeModel,
			"target_split":      rec.TargetSplit,
			"transfer_ref":      rec.TransferRef,
			"capture_attempts":  rec.CaptureAttempts,
			"transfer_attempts": rec.TransferAttempts,
			"last_error":        rec.LastError,
			"updated_at":        rec.UpdatedAt,
			"captured_at":       rec.CapturedAt,
			"transferred_at":    rec.TransferredAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *releaseRepository) ListUnsettled(ctx context.Context, limit int) ([]domain.ReleaseRecord, error) {
	var rows []releaseRecordModel
	if err := r.db.WithContext(ctx).Where("phase <> ?", string(domain.ReleasePhaseCompleted)).Order("updated_at asc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ReleaseRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := toDomainRelease(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

var _ ports.ReleaseRepository = (*releaseRepository)(nil)
