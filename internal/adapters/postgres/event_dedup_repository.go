package postgres

import (
	"context"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// eventDedupRepository remembers applied processor webhooks per processor
// account, together with the hold or transfer they touched.
type eventDedupRepository struct {
	db *gorm.DB
}

func (r *eventDedupRepository) IsDuplicate(ctx context.Context, processor, eventID string, now time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&escrowEventDedupModel{}).
		Where("processor = ? AND event_id = ? AND expires_at > ?", processor, eventID, now).
		Count(&count).Error
	return count > 0, err
}

func (r *eventDedupRepository) MarkProcessed(ctx context.Context, event ports.ProcessedEvent) error {
	row := toDedupModel(event, time.Now().UTC())
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "processor"}, {Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"event_type", "object_ref", "bounty_id", "processed_at", "expires_at"}),
	}).Create(&row).Error
}

func (r *eventDedupRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&escrowEventDedupModel{})
	return res.RowsAffected, res.Error
}

func toDedupModel(event ports.ProcessedEvent, processedAt time.Time) escrowEventDedupModel {
	return escrowEventDedupModel{
		Processor:   event.Processor,
		EventID:     event.EventID,
		EventType:   event.EventType,
		ObjectRef:   event.ObjectRef,
		BountyID:    event.BountyID,
		ProcessedAt: processedAt,
		ExpiresAt:   event.ExpiresAt.UTC(),
	}
}

var _ ports.EventDedupRepository = (*eventDedupRepository)(nil)
