package postgres

import (
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
	"gorm.io/gorm"
)

type Repositories struct {
	Bounties   ports.BountyRepository
	Profiles   ports.ProfileRepository
	Earnings   ports.EarningsRepository
	Releases   ports.ReleaseRepository
	Outbox     ports.OutboxRepository
	EventDedup ports.EventDedupRepository
}

func NewRepositories(db *gorm.DB) Repositories {
	return Repositories{
		Bounties:   &bountyRepository{db: db},
		Profiles:   &profileRepository{db: db},
		Earnings:   &earningsRepository{db: db},
		Releases:   &releaseRepository{db: db},
		Outbox:     &outboxRepository{db: db},
		EventDedup: &eventDedupRepository{db: db},
	}
}
