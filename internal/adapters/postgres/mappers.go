package postgres

import (
	"encoding/json"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
)

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func toBountyModel(b domain.Bounty) bountyModel {
	return bountyModel{
		BountyID: b.BountyID, Title: b.Title, FunderID: b.FunderID, Amount: b.Amount, Currency: b.Currency,
		Status: string(b.Status), EscrowStatus: string(b.EscrowStatus), EscrowHoldRef: optionalString(b.EscrowHoldRef),
		EscrowAmount: b.EscrowAmount, CompletedBy: b.CompletedBy, CompletedAt: b.CompletedAt,
		TransferRef: b.TransferRef, CreatedAt: b.CreatedAt, UpdatedAt: b.UpdatedAt,
	}
}

func toDomainBounty(m bountyModel) domain.Bounty {
	return domain.Bounty{
		BountyID: m.BountyID, Title: m.Title, FunderID: m.FunderID, Amount: m.Amount, Currency: m.Currency,
		Status: domain.BountyStatus(m.Status), EscrowStatus: domain.EscrowStatus(m.EscrowStatus),
		EscrowHoldRef: derefString(m.EscrowHoldRef), EscrowAmount: m.EscrowAmount, CompletedBy: m.CompletedBy,
		CompletedAt: m.CompletedAt, TransferRef: m.TransferRef, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}

func toDomainProfile(m profileModel) domain.Profile {
	return domain.Profile{
		UserID: m.UserID, Email: m.Email, SubAccountRef: m.SubAccountRef,
		OnboardingComplete: m.OnboardingComplete, UpdatedAt: m.UpdatedAt,
	}
}

func toReleaseModel(r domain.ReleaseRecord) (releaseRecordModel, error) {
	m := releaseRecordModel{
		BountyID: r.BountyID, SolverID: r.SolverID, HoldRef: r.HoldRef, Phase: string(r.Phase),
		CapturedAmount: r.CapturedAmount, PlatformFee: r.PlatformFee, SolverAmount: r.SolverAmount,
		FeeModel: r.FeeModel, TransferRef: optionalString(r.TransferRef), CaptureAttempts: r.CaptureAttempts,
		TransferAttempts: r.TransferAttempts, LastError: r.LastError, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		CapturedAt: r.CapturedAt, TransferredAt: r.TransferredAt,
	}
	if r.TargetSplit != nil {
		raw, err := json.Marshal(r.TargetSplit)
		if err != nil {
			return releaseRecordModel{}, err
		}
		s := string(raw)
		m.TargetSplit = &s
	}
	return m, nil
}

func toDomainRelease(m releaseRecordModel) (domain.ReleaseRecord, error) {
	r := domain.ReleaseRecord{
		BountyID: m.BountyID, SolverID: m.SolverID, HoldRef: m.HoldRef, Phase: domain.ReleasePhase(m.Phase),
		CapturedAmount: m.CapturedAmount, PlatformFee: m.PlatformFee, SolverAmount: m.SolverAmount,
		FeeModel: m.FeeModel, TransferRef: derefString(m.TransferRef), CaptureAttempts: m.CaptureAttempts,
		TransferAttempts: m.TransferAttempts, LastError: m.LastError, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
		CapturedAt: m.CapturedAt, TransferredAt: m.TransferredAt,
	}
	if m.TargetSplit != nil && *m.TargetSplit != "" {
		var split domain.PayoutSplit
		if err := json.Unmarshal([]byte(*m.TargetSplit), &split); err != nil {
			return domain.ReleaseRecord{}, err
		}
		r.TargetSplit = &split
	}
	return r, nil
}

func toEarningsModel(e domain.EarningsRecord) earningsModel {
	return earningsModel{
		SolverID: e.SolverID, BountyID: e.BountyID, GrossAmount: e.GrossAmount, PlatformFee: e.PlatformFee,
		TransferRef: e.TransferRef, Status: e.Status, FeeModel: e.FeeModel, CreatedAt: e.CreatedAt,
	}
}

func toDomainEarnings(m earningsModel) domain.EarningsRecord {
	return domain.EarningsRecord{
		SolverID: m.SolverID, BountyID: m.BountyID, GrossAmount: m.GrossAmount, PlatformFee: m.PlatformFee,
		TransferRef: m.TransferRef, Status: m.Status, FeeModel: m.FeeModel, CreatedAt: m.CreatedAt,
	}
}
