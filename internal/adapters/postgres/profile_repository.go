package postgres

import (
	"context"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
	"gorm.io/gorm"
)

type profileRepository struct {
	db *gorm.DB
}

func (r *profileRepository) Create(ctx context.Context, profile domain.Profile) error {
	rec := profileModel{
		UserID:             profile.UserID,
		Email:              profile.Email,
		SubAccountRef:      profile.SubAccountRef,
		OnboardingComplete: profile.OnboardingComplete,
		UpdatedAt:          profile.UpdatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	return nil
}

func (r *profileRepository) GetByUserID(ctx context.Context, userID string) (domain.Profile, error) {
	var rec profileModel
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&rec).Error; err != nil {
		if notFound(err) {
			return domain.Profile{}, domain.ErrNotFound
		}
		return domain.Profile{}, err
	}
	return toDomainProfile(rec), nil
}

func (r *profileRepository) SetSubAccountRef(ctx context.Context, userID, ref string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&profileModel{}).
		Where("user_id = ? AND (sub_account_ref IS NULL OR sub_account_ref = ?)", userID, ref).
		Updates(map[string]any{"sub_account_ref": ref, "updated_at": at})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return domain.ErrConflict
		}
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := r.GetByUserID(ctx, userID); err != nil {
		return err
	}
	return domain.ErrConflict
}

func (r *profileRepository) MarkOnboardingComplete(ctx context.Context, userID string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&profileModel{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"onboarding_complete": true, "updated_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ ports.ProfileRepository = (*profileRepository)(nil)
