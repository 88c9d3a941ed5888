package postgres

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
	"gorm.io/gorm"
)

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{err: nil, want: false},
		{err: gorm.ErrDuplicatedKey, want: true},
		{err: fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), want: true},
		{err: errors.New(`ERROR: duplicate key value violates unique constraint "solver_earnings_pkey"`), want: true},
		{err: errors.New("connection refused"), want: false},
	}
	for _, tc := range cases {
		if got := isUniqueViolation(tc.err); got != tc.want {
			t.Fatalf("isUniqueViolation(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestReleaseMappingKeepsTargetSplit(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	split := domain.ComputeSplit(10000, domain.DefaultGovernancePolicy())
	in := domain.ReleaseRecord{
		BountyID:         "b1",
		SolverID:         "s1",
		HoldRef:          "pi_1",
		Phase:            domain.ReleasePhaseCaptured,
		CapturedAmount:   10000,
		PlatformFee:      1000,
		SolverAmount:     9000,
		FeeModel:         domain.FeeModelFlatPlatformFee,
		TargetSplit:      &split,
		CaptureAttempts:  1,
		TransferAttempts: 0,
		CreatedAt:        now,
		UpdatedAt:        now,
		CapturedAt:       &now,
	}
	model, err := toReleaseModel(in)
	if err != nil {
		t.Fatalf("toReleaseModel: %v", err)
	}
	if model.TransferRef != nil {
		t.Fatalf("empty transfer ref must be stored as NULL")
	}
	out, err := toDomainRelease(model)
	if err != nil {
		t.Fatalf("toDomainRelease: %v", err)
	}
	if out.TargetSplit == nil || *out.TargetSplit != split {
		t.Fatalf("target split lost: %+v", out.TargetSplit)
	}
	if out.Phase != in.Phase || out.SolverAmount != in.SolverAmount || out.CaptureAttempts != 1 {
		t.Fatalf("unexpected release %+v", out)
	}
}

func TestBountyMappingTreatsEmptyHoldAsNull(t *testing.T) {
	t.Parallel()

	model := toBountyModel(domain.Bounty{BountyID: "b1", EscrowStatus: domain.EscrowStatusNone})
	if model.EscrowHoldRef != nil {
		t.Fatalf("expected NULL hold ref")
	}
	if got := toDomainBounty(model); got.EscrowHoldRef != "" || got.EscrowStatus != domain.EscrowStatusNone {
		t.Fatalf("unexpected bounty %+v", got)
	}
}

func TestMigrationsAreEmbedded(t *testing.T) {
	t.Parallel()

	names, err := MigrationNames()
	if err != nil {
		t.Fatalf("MigrationNames: %v", err)
	}
	if len(names) == 0 || names[0] != "0001_escrow.sql" {
		t.Fatalf("unexpected migrations %v", names)
	}
}

func TestPendingMigrationsSkipsApplied(t *testing.T) {
	t.Parallel()

	names := []string{"0001_escrow.sql", "0002_indexes.sql", "0003_backfill.sql"}
	got := pendingMigrations(names, []string{"0002_indexes.sql", "0001_escrow.sql"})
	if len(got) != 1 || got[0] != "0003_backfill.sql" {
		t.Fatalf("unexpected pending migrations %v", got)
	}
	if got := pendingMigrations(names, nil); len(got) != len(names) || got[0] != "0001_escrow.sql" {
		t.Fatalf("expected every migration pending on a fresh database, got %v", got)
	}
	if got := pendingMigrations(names, names); len(got) != 0 {
		t.Fatalf("expected nothing pending, got %v", got)
	}
}

func TestDedupMappingKeysByProcessor(t *testing.T) {
	t.Parallel()

	processedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiresAt := time.Date(2026, 3, 8, 13, 0, 0, 0, time.FixedZone("CET", 3600))
	row := toDedupModel(ports.ProcessedEvent{
		Processor: "stripe",
		EventID:   "evt_1",
		EventType: domain.ProcessorEventHoldAuthorized,
		ObjectRef: "pi_1",
		BountyID:  "b1",
		ExpiresAt: expiresAt,
	}, processedAt)
	if row.Processor != "stripe" || row.EventID != "evt_1" || row.ObjectRef != "pi_1" || row.BountyID != "b1" {
		t.Fatalf("unexpected dedup row %+v", row)
	}
	if row.ExpiresAt.Location() != time.UTC || !row.ExpiresAt.Equal(expiresAt) || !row.ProcessedAt.Equal(processedAt) {
		t.Fatalf("unexpected dedup timestamps %+v", row)
	}
}
