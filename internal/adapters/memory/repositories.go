package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

// Repositories is the in-process ledger store used by tests and by the API
// when no database is configured. Each repository can be told to fail its
// next writes to exercise the recovery paths.
type Repositories struct {
	Bounties   *BountyRepository
	Profiles   *ProfileRepository
	Earnings   *EarningsRepository
	Releases   *ReleaseRepository
	Outbox     *OutboxRepository
	EventDedup *EventDedupRepository
}

func NewRepositories() *Repositories {
	return &Repositories{
		Bounties:   &BountyRepository{rows: map[string]domain.Bounty{}},
		Profiles:   &ProfileRepository{rows: map[string]domain.Profile{}},
		Earnings:   &EarningsRepository{rows: map[string]domain.EarningsRecord{}},
		Releases:   &ReleaseRepository{rows: map[string]domain.ReleaseRecord{}},
		Outbox:     &OutboxRepository{},
		EventDedup: &EventDedupRepository{rows: map[dedupKey]ports.ProcessedEvent{}},
	}
}

type faults struct {
	queued []error
}

func (f *faults) push(err error, times int) {
	for i := 0; i < times; i++ {
		f.queued = append(f.queued, err)
	}
}

func (f *faults) pop() error {
	if len(f.queued) == 0 {
		return nil
	}
	err := f.queued[0]
	f.queued = f.queued[1:]
	return err
}

type BountyRepository struct {
	mu        sync.Mutex
	rows      map[string]domain.Bounty
	updateErr faults
}

func (r *BountyRepository) Create(_ context.Context, bounty domain.Bounty) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[bounty.BountyID]; ok {
		return domain.ErrConflict
	}
	if bounty.EscrowStatus == "" {
		bounty.EscrowStatus = domain.EscrowStatusNone
	}
	if bounty.Status == "" {
		bounty.Status = domain.BountyStatusOpen
	}
	r.rows[bounty.BountyID] = bounty
	return nil
}

func (r *BountyRepository) GetByID(_ context.Context, bountyID string) (domain.Bounty, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[bountyID]
	if !ok {
		return domain.Bounty{}, domain.ErrNotFound
	}
	return cloneBounty(row), nil
}

func (r *BountyRepository) UpdateEscrow(_ context.Context, bounty domain.Bounty, expected domain.EscrowStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.updateErr.pop(); err != nil {
		return err
	}
	row, ok := r.rows[bounty.BountyID]
	if !ok {
		return domain.ErrNotFound
	}
	if row.EscrowStatus != expected {
		return domain.ErrConflict
	}
	r.rows[bounty.BountyID] = cloneBounty(bounty)
	return nil
}

func (r *BountyRepository) ListByEscrowStatus(_ context.Context, status domain.EscrowStatus, limit int) ([]domain.Bounty, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Bounty, 0)
	for _, row := range r.rows {
		if row.EscrowStatus == status {
			out = append(out, cloneBounty(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FailUpdates makes the next n UpdateEscrow calls return err.
func (r *BountyRepository) FailUpdates(err error, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateErr.push(err, n)
}

func cloneBounty(b domain.Bounty) domain.Bounty {
	if b.CompletedBy != nil {
		v := *b.CompletedBy
		b.CompletedBy = &v
	}
	if b.CompletedAt != nil {
		v := *b.CompletedAt
		b.CompletedAt = &v
	}
	if b.TransferRef != nil {
		v := *b.TransferRef
		b.TransferRef = &v
	}
	return b
}

type ProfileRepository struct {
	mu        sync.Mutex
	rows      map[string]domain.Profile
	attachErr faults
}

func (r *ProfileRepository) Create(_ context.Context, profile domain.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[profile.UserID]; ok {
		return domain.ErrConflict
	}
	r.rows[profile.UserID] = profile
	return nil
}

func (r *ProfileRepository) GetByUserID(_ context.Context, userID string) (domain.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[userID]
	if !ok {
		return domain.Profile{}, domain.ErrNotFound
	}
	if row.SubAccountRef != nil {
		v := *row.SubAccountRef
		row.SubAccountRef = &v
	}
	return row, nil
}

func (r *ProfileRepository) SetSubAccountRef(_ context.Context, userID, ref string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.attachErr.pop(); err != nil {
		return err
	}
	row, ok := r.rows[userID]
	if !ok {
		return domain.ErrNotFound
	}
	if err := row.AttachSubAccount(ref, at); err != nil {
		return err
	}
	r.rows[userID] = row
	return nil
}

func (r *ProfileRepository) MarkOnboardingComplete(_ context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[userID]
	if !ok {
		return domain.ErrNotFound
	}
	row.OnboardingComplete = true
	row.UpdatedAt = at
	r.rows[userID] = row
	return nil
}

// FailAttach makes the next n SetSubAccountRef calls return err.
func (r *ProfileRepository) FailAttach(err error, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachErr.push(err, n)
}

type EarningsRepository struct {
	mu        sync.Mutex
	rows      map[string]domain.EarningsRecord
	appendErr faults
}

func earningsKey(solverID, bountyID string) string { return solverID + "|" + bountyID }

func (r *EarningsRepository) Append(_ context.Context, record domain.EarningsRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.appendErr.pop(); err != nil {
		return err
	}
	key := earningsKey(record.SolverID, record.BountyID)
	if _, ok := r.rows[key]; ok {
		return domain.ErrConflict
	}
	r.rows[key] = record
	return nil
}

func (r *EarningsRepository) Get(_ context.Context, solverID, bountyID string) (domain.EarningsRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[earningsKey(solverID, bountyID)]
	if !ok {
		return domain.EarningsRecord{}, domain.ErrNotFound
	}
	return row, nil
}

func (r *EarningsRepository) ListBySolver(_ context.Context, solverID string) ([]domain.EarningsRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EarningsRecord, 0)
	for _, row := range r.rows {
		if row.SolverID == solverID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FailAppends makes the next n Append calls return err.
func (r *EarningsRepository) FailAppends(err error, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendErr.push(err, n)
}

type ReleaseRepository struct {
	mu        sync.Mutex
	rows      map[string]domain.ReleaseRecord
	updateErr faults
}

func (r *ReleaseRepository) Create(_ context.Context, record domain.ReleaseRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[record.BountyID]; ok {
		return domain.ErrConflict
	}
	r.rows[record.BountyID] = cloneRelease(record)
	return nil
}

func (r *ReleaseRepository) GetByBountyID(_ context.Context, bountyID string) (domain.ReleaseRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[bountyID]
	if !ok {
		return domain.ReleaseRecord{}, domain.ErrNotFound
	}
	return cloneRelease(row), nil
}

func (r *ReleaseRepository) Update(_ context.Context, record domain.ReleaseRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.updateErr.pop(); err != nil {
		return err
	}
	if _, ok := r.rows[record.BountyID]; !ok {
		return domain.ErrNotFound
	}
	r.rows[record.BountyID] = cloneRelease(record)
	return nil
}

func (r *ReleaseRepository) ListUnsettled(_ context.Context, limit int) ([]domain.ReleaseRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ReleaseRecord, 0)
	for _, row := range r.rows {
		if row.Phase != domain.ReleasePhaseCompleted {
			out = append(out, cloneRelease(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FailUpdates makes the next n Update calls return err.
func (r *ReleaseRepository) FailUpdates(err error, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateErr.push(err, n)
}

func cloneRelease(rec domain.ReleaseRecord) domain.ReleaseRecord {
	if rec.TargetSplit != nil {
		v := *rec.TargetSplit
		rec.TargetSplit = &v
	}
	if rec.CapturedAt != nil {
		v := *rec.CapturedAt
		rec.CapturedAt = &v
	}
	if rec.TransferredAt != nil {
		v := *rec.TransferredAt
		rec.TransferredAt = &v
	}
	return rec
}

type OutboxRepository struct {
	mu   sync.Mutex
	rows []ports.OutboxRecord
}

func (r *OutboxRepository) Enqueue(_ context.Context, event ports.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, ports.OutboxRecord{
		OutboxID:     event.EventID,
		EventType:    event.EventType,
		PartitionKey: event.PartitionKey,
		Payload:      append([]byte(nil), event.Payload...),
		FirstSeenAt:  event.OccurredAt,
	})
	return nil
}

func (r *OutboxRepository) FetchUnpublished(_ context.Context, limit int) ([]ports.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ports.OutboxRecord, 0)
	for _, row := range r.rows {
		if row.PublishedAt != nil {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *OutboxRepository) MarkPublished(_ context.Context, outboxID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].OutboxID == outboxID {
			t := at
			r.rows[i].PublishedAt = &t
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *OutboxRepository) MarkFailed(_ context.Context, outboxID uuid.UUID, errMsg string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].OutboxID == outboxID {
			msg, t := errMsg, at
			r.rows[i].RetryCount++
			r.rows[i].LastError = &msg
			r.rows[i].LastErrorAt = &t
			return nil
		}
	}
	return domain.ErrNotFound
}

// EventTypes lists every enqueued event type in order.
func (r *OutboxRepository) EventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, row.EventType)
	}
	return out
}

type dedupKey struct {
	processor string
	eventID   string
}

type EventDedupRepository struct {
	mu   sync.Mutex
	rows map[dedupKey]ports.ProcessedEvent
}

func (r *EventDedupRepository) IsDuplicate(_ context.Context, processor, eventID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[dedupKey{processor: processor, eventID: eventID}]
	return ok && rec.ExpiresAt.After(now), nil
}

func (r *EventDedupRepository) MarkProcessed(_ context.Context, event ports.ProcessedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[dedupKey{processor: event.Processor, eventID: event.EventID}] = event
	return nil
}

func (r *EventDedupRepository) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged int64
	for key, rec := range r.rows {
		if !rec.ExpiresAt.After(now) {
			delete(r.rows, key)
			purged++
		}
	}
	return purged, nil
}

var (
	_ ports.BountyRepository     = (*BountyRepository)(nil)
	_ ports.ProfileRepository    = (*ProfileRepository)(nil)
	_ ports.EarningsRepository   = (*EarningsRepository)(nil)
	_ ports.ReleaseRepository    = (*ReleaseRepository)(nil)
	_ ports.OutboxRepository     = (*OutboxRepository)(nil)
	_ ports.EventDedupRepository = (*EventDedupRepository)(nil)
)
