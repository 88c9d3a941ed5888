package application

import (
	"context"
	"fmt"
	"strings"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

// CanReceivePayments reads the solver's sub-account live from the processor.
// A solver without a sub-account is answered without any processor call.
func (s *Service) CanReceivePayments(ctx context.Context, solverID string) (ConnectStatus, error) {
	solverID = strings.TrimSpace(solverID)
	if solverID == "" {
		return ConnectStatus{}, fmt.Errorf("%w: solverId is required", domain.ErrValidation)
	}
	profile, err := s.profiles.GetByUserID(ctx, solverID)
	if err != nil {
		return ConnectStatus{}, err
	}
	out := ConnectStatus{Email: profile.Email}
	if !profile.HasSubAccount() {
		return out, nil
	}

	acct, err := s.processor.RetrieveSubAccount(ctx, *profile.SubAccountRef)
	s.metrics.ObserveProcessorCall("retrieve_sub_account", outcomeOf(err))
	if err != nil {
		return out, err
	}
	out.IsOnboarded = acct.DetailsSubmitted
	out.CanReceivePayments = acct.ChargesEnabled && acct.PayoutsEnabled
	if out.IsOnboarded && !profile.OnboardingComplete {
		if err := s.profiles.MarkOnboardingComplete(ctx, solverID, s.nowFn()); err != nil {
			logger().WarnContext(ctx, "failed to persist onboarding flag",
				"operation", "check_connect_status",
				"outcome", "failure",
				"solver_id", solverID,
				"error", err,
			)
		}
	}
	return out, nil
}

// StartOnboarding creates the solver's sub-account on first use and returns a
// short-lived hosted onboarding URL for it.
func (s *Service) StartOnboarding(ctx context.Context, solverID string) (ports.OnboardingLink, error) {
	solverID = strings.TrimSpace(solverID)
	if solverID == "" {
		return ports.OnboardingLink{}, fmt.Errorf("%w: solverId is required", domain.ErrValidation)
	}

	var out ports.OnboardingLink
	err := s.withLock(ctx, profileLockKey(solverID), func(ctx context.Context) error {
		profile, err := s.profiles.GetByUserID(ctx, solverID)
		if err != nil {
			return err
		}
		ref, err := s.ensureSubAccount(ctx, profile)
		if err != nil {
			return err
		}
		link, err := s.processor.CreateOnboardingLink(ctx, ref, s.cfg.OnboardingRefreshURL, s.cfg.OnboardingReturnURL)
		s.metrics.ObserveProcessorCall("create_onboarding_link", outcomeOf(err))
		if err != nil {
			return err
		}
		out = link
		return nil
	})
	return out, err
}

func (s *Service) ensureSubAccount(ctx context.Context, profile domain.Profile) (string, error) {
	if profile.HasSubAccount() {
		return *profile.SubAccountRef, nil
	}
	acct, err := s.processor.CreateSubAccount(ctx, ports.SubAccountRequest{
		UserID:         profile.UserID,
		Email:          profile.Email,
		IdempotencyKey: "subaccount:" + profile.UserID,
	})
	s.metrics.ObserveProcessorCall("create_sub_account", outcomeOf(err))
	if err != nil {
		return "", err
	}
	now := s.nowFn()
	if err := profile.AttachSubAccount(acct.Ref, now); err != nil {
		return "", err
	}
	if err := s.profiles.SetSubAccountRef(ctx, profile.UserID, acct.Ref, now); err != nil {
		s.metrics.ObserveLedgerWriteFailure("attach_sub_account")
		logger().ErrorContext(ctx, "sub-account created but not saved",
			"operation", "create_onboarding_link",
			"outcome", "failure",
			"error_kind", "LedgerWriteError",
			"solver_id", profile.UserID,
			"orphaned_ref", acct.Ref,
			"error", err,
		)
		return "", fmt.Errorf("%w: sub-account %s created but not saved for solver %s: %w", domain.ErrLedgerWrite, acct.Ref, profile.UserID, err)
	}
	s.enqueueSubAccountLinked(ctx, profile.UserID, acct.Ref)
	return acct.Ref, nil
}
