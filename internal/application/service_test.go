package application_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/adapters/cache"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/adapters/memory"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

type harness struct {
	svc       *application.Service
	repos     *memory.Repositories
	processor *memory.Processor
}

func newHarness(t *testing.T, opts memory.ProcessorOptions) *harness {
	t.Helper()
	repos := memory.NewRepositories()
	processor := memory.NewProcessor(opts)
	svc := application.NewService(application.Dependencies{
		Config: application.Config{
			PlatformFeeBps:       1000,
			OnboardingRefreshURL: "https://app.example/refresh",
			OnboardingReturnURL:  "https://app.example/return",
		},
		Bounties:   repos.Bounties,
		Profiles:   repos.Profiles,
		Earnings:   repos.Earnings,
		Releases:   repos.Releases,
		Outbox:     repos.Outbox,
		EventDedup: repos.EventDedup,
		Processor:  processor,
		Locker:     cache.NewMemoryLocker(),
	})
	return &harness{svc: svc, repos: repos, processor: processor}
}

func newAutoHarness(t *testing.T) *harness {
	return newHarness(t, memory.ProcessorOptions{AutoAuthorize: true, AutoOnboard: true})
}

func (h *harness) seedBounty(t *testing.T, bountyID string, amount int64) {
	t.Helper()
	err := h.repos.Bounties.Create(context.Background(), domain.Bounty{
		BountyID:  bountyID,
		Title:     "Fix flaky login",
		FunderID:  "funder-1",
		Amount:    amount,
		Currency:  "usd",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed bounty: %v", err)
	}
}

func (h *harness) seedSolver(t *testing.T, solverID string) {
	t.Helper()
	err := h.repos.Profiles.Create(context.Background(), domain.Profile{
		UserID:    solverID,
		Email:     solverID + "@example.com",
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed solver: %v", err)
	}
}

// onboardedSolver relies on AutoOnboard completing the account once the
// onboarding link is issued.
func (h *harness) onboardedSolver(t *testing.T, solverID string) {
	t.Helper()
	h.seedSolver(t, solverID)
	if _, err := h.svc.StartOnboarding(context.Background(), solverID); err != nil {
		t.Fatalf("StartOnboarding: %v", err)
	}
}

func (h *harness) heldEscrow(t *testing.T, bountyID string, amount int64) string {
	t.Helper()
	h.seedBounty(t, bountyID, amount)
	res, err := h.svc.CreateEscrow(context.Background(), escrowInput(bountyID, amount))
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	confirmed, err := h.svc.ConfirmHold(context.Background(), bountyID)
	if err != nil {
		t.Fatalf("ConfirmHold: %v", err)
	}
	if confirmed.EscrowStatus != domain.EscrowStatusHeld {
		t.Fatalf("expected held escrow, got %s", confirmed.EscrowStatus)
	}
	return res.HoldRef
}

func escrowInput(bountyID string, amount int64) application.CreateEscrowInput {
	return application.CreateEscrowInput{BountyID: bountyID, Amount: amount, Title: "Fix flaky login", FunderID: "funder-1"}
}

func (h *harness) bounty(t *testing.T, bountyID string) domain.Bounty {
	t.Helper()
	b, err := h.repos.Bounties.GetByID(context.Background(), bountyID)
	if err != nil {
		t.Fatalf("get bounty: %v", err)
	}
	return b
}

func (h *harness) release(t *testing.T, bountyID string) domain.ReleaseRecord {
	t.Helper()
	rec, err := h.repos.Releases.GetByBountyID(context.Background(), bountyID)
	if err != nil {
		t.Fatalf("get release: %v", err)
	}
	return rec
}

func countEvents(types []string, eventType string) int {
	n := 0
	for _, v := range types {
		if v == eventType {
			n++
		}
	}
	return n
}

var errTimeout = fmt.Errorf("%w: read timeout", domain.ErrProcessorTransient)

func TestCreateEscrowIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.ProcessorOptions{})
	h.seedBounty(t, "B1", 50000)
	ctx := context.Background()

	first, err := h.svc.CreateEscrow(ctx, escrowInput("B1", 50000))
	if err != nil {
		t.Fatalf("first CreateEscrow: %v", err)
	}
	second, err := h.svc.CreateEscrow(ctx, escrowInput("B1", 50000))
	if err != nil {
		t.Fatalf("second CreateEscrow: %v", err)
	}
	if first.HoldRef == "" || first.HoldRef != second.HoldRef || first.ClientSecret != second.ClientSecret {
		t.Fatalf("expected identical hold, got %+v and %+v", first, second)
	}
	if got := h.processor.Calls(memory.OpCreateHold); got != 1 {
		t.Fatalf("expected one hold, processor saw %d", got)
	}
	b := h.bounty(t, "B1")
	if b.EscrowStatus != domain.EscrowStatusPending || b.EscrowHoldRef != first.HoldRef || b.EscrowAmount != 50000 {
		t.Fatalf("unexpected bounty %+v", b)
	}
	if got := countEvents(h.repos.Outbox.EventTypes(), domain.EventEscrowHoldCreated); got != 1 {
		t.Fatalf("expected one hold_created event, got %d", got)
	}
}

func TestCreateEscrowRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.ProcessorOptions{})
	h.seedBounty(t, "B1", 50000)
	ctx := context.Background()

	cases := []struct {
		name  string
		input application.CreateEscrowInput
		want  error
	}{
		{name: "missing bounty", input: escrowInput("", 100), want: domain.ErrValidation},
		{name: "missing title", input: application.CreateEscrowInput{BountyID: "B1", Amount: 100, FunderID: "funder-1"}, want: domain.ErrValidation},
		{name: "missing company", input: application.CreateEscrowInput{BountyID: "B1", Amount: 100, Title: "Fix flaky login"}, want: domain.ErrValidation},
		{name: "zero amount", input: escrowInput("B1", 0), want: domain.ErrValidation},
		{name: "negative amount", input: escrowInput("B1", -5), want: domain.ErrValidation},
		{name: "unknown bounty", input: escrowInput("nope", 100), want: domain.ErrNotFound},
	}
	for _, tc := range cases {
		if _, err := h.svc.CreateEscrow(ctx, tc.input); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if got := h.processor.TotalCalls(); got != 0 {
		t.Fatalf("expected no processor calls, got %d", got)
	}

	if _, err := h.svc.CreateEscrow(ctx, escrowInput("B1", 50000)); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if _, err := h.svc.CreateEscrow(ctx, escrowInput("B1", 60000)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected amount mismatch to be rejected, got %v", err)
	}
}

func TestConfirmHoldWaitsForAuthorization(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.ProcessorOptions{})
	h.seedBounty(t, "B1", 10000)
	ctx := context.Background()

	created, err := h.svc.CreateEscrow(ctx, escrowInput("B1", 10000))
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	res, err := h.svc.ConfirmHold(ctx, "B1")
	if err != nil {
		t.Fatalf("ConfirmHold: %v", err)
	}
	if res.EscrowStatus != domain.EscrowStatusPending || res.HoldStatus != ports.HoldStatusRequiresPaymentMethod {
		t.Fatalf("expected pending escrow before authorization, got %+v", res)
	}

	if err := h.processor.AuthorizeHold(created.HoldRef); err != nil {
		t.Fatalf("AuthorizeHold: %v", err)
	}
	res, err = h.svc.ConfirmHold(ctx, "B1")
	if err != nil {
		t.Fatalf("ConfirmHold: %v", err)
	}
	if res.EscrowStatus != domain.EscrowStatusHeld || h.bounty(t, "B1").Status != domain.BountyStatusEscrowHeld {
		t.Fatalf("expected held escrow, got %+v", res)
	}

	calls := h.processor.Calls(memory.OpRetrieveHold)
	if _, err := h.svc.ConfirmHold(ctx, "B1"); err != nil {
		t.Fatalf("repeat ConfirmHold: %v", err)
	}
	if h.processor.Calls(memory.OpRetrieveHold) != calls {
		t.Fatalf("confirming a held escrow must not call the processor")
	}
	if got := countEvents(h.repos.Outbox.EventTypes(), domain.EventEscrowHoldConfirmed); got != 1 {
		t.Fatalf("expected one hold_confirmed event, got %d", got)
	}
}

func TestConnectStatusWithoutSubAccountMakesNoProcessorCall(t *testing.T) {
	t.Parallel()

	h := newAutoHarness(t)
	h.seedSolver(t, "solver-1")

	status, err := h.svc.CanReceivePayments(context.Background(), "solver-1")
	if err != nil {
		t.Fatalf("CanReceivePayments: %v", err)
	}
	if status.IsOnboarded || status.CanReceivePayments {
		t.Fatalf("expected not onboarded, got %+v", status)
	}
	if got := h.processor.TotalCalls(); got != 0 {
		t.Fatalf("expected zero processor calls, got %d", got)
	}
}

func TestStartOnboardingCreatesOneSubAccount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.ProcessorOptions{})
	h.seedSolver(t, "solver-1")
	ctx := context.Background()

	first, err := h.svc.StartOnboarding(ctx, "solver-1")
	if err != nil {
		t.Fatalf("StartOnboarding: %v", err)
	}
	if first.URL == "" {
		t.Fatalf("expected onboarding url")
	}
	if _, err := h.svc.StartOnboarding(ctx, "solver-1"); err != nil {
		t.Fatalf("second StartOnboarding: %v", err)
	}
	if got := h.processor.Calls(memory.OpCreateSubAccount); got != 1 {
		t.Fatalf("expected one sub-account, got %d creations", got)
	}
	if got := h.processor.Calls(memory.OpCreateOnboardingLink); got != 2 {
		t.Fatalf("expected a fresh link per call, got %d", got)
	}

	status, err := h.svc.CanReceivePayments(ctx, "solver-1")
	if err != nil {
		t.Fatalf("CanReceivePayments: %v", err)
	}
	if status.IsOnboarded || status.CanReceivePayments {
		t.Fatalf("expected incomplete onboarding, got %+v", status)
	}

	profile, _ := h.repos.Profiles.GetByUserID(ctx, "solver-1")
	h.processor.CompleteOnboarding(*profile.SubAccountRef)
	status, err = h.svc.CanReceivePayments(ctx, "solver-1")
	if err != nil {
		t.Fatalf("CanReceivePayments: %v", err)
	}
	if !status.IsOnboarded || !status.CanReceivePayments {
		t.Fatalf("expected completed onboarding, got %+v", status)
	}
	profile, _ = h.repos.Profiles.GetByUserID(ctx, "solver-1")
	if !profile.OnboardingComplete {
		t.Fatalf("expected onboarding flag to be persisted")
	}
	if got := countEvents(h.repos.Outbox.EventTypes(), domain.EventSolverSubAccountLinked); got != 1 {
		t.Fatalf("expected one sub_account_linked event, got %d", got)
	}
}

func TestStartOnboardingReportsOrphanedSubAccount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.ProcessorOptions{})
	h.seedSolver(t, "solver-1")
	h.repos.Profiles.FailAttach(errors.New("connection refused"), 1)
	ctx := context.Background()

	if _, err := h.svc.StartOnboarding(ctx, "solver-1"); !errors.Is(err, domain.ErrLedgerWrite) {
		t.Fatalf("expected ErrLedgerWrite, got %v", err)
	}
	if _, err := h.svc.StartOnboarding(ctx, "solver-1"); err != nil {
		t.Fatalf("retry StartOnboarding: %v", err)
	}
	profile, _ := h.repos.Profiles.GetByUserID(ctx, "solver-1")
	if !profile.HasSubAccount() {
		t.Fatalf("expected sub-account to be saved on retry")
	}
}

func TestReleasePaymentPaysSolver(t *testing.T) {
	t.Parallel()

	h := newAutoHarness(t)
	holdRef := h.heldEscrow(t, "B1", 10000)
	h.onboardedSolver(t, "solver-1")
	ctx := context.Background()

	res, err := h.svc.ReleasePayment(ctx, application.ReleaseInput{BountyID: "B1", SolverID: "solver-1", HoldRef: holdRef})
	if err != nil {
		t.Fatalf("ReleasePayment: %v", err)
	}
	if !res.Success || res.TransferRef == "" || res.SolverAmount != 9000 || res.PlatformFee != 1000 {
		t.Fatalf("unexpected result %+v", res)
	}

	b := h.bounty(t, "B1")
	if b.EscrowStatus != domain.EscrowStatusReleased || b.Status != domain.BountyStatusCompleted {
		t.Fatalf("expected released bounty, got %+v", b)
	}
	if b.CompletedBy == nil || *b.CompletedBy != "solver-1" || b.TransferRef == nil || *b.TransferRef != res.TransferRef {
		t.Fatalf("expected completion fields, got %+v", b)
	}

	earnings, err := h.repos.Earnings.Get(ctx, "solver-1", "B1")
	if err != nil {
		t.Fatalf("earnings: %v", err)
	}
	if earnings.GrossAmount != 9000 || earnings.PlatformFee != 1000 || earnings.Status != domain.EarningsStatusPaid || earnings.FeeModel != domain.FeeModelFlatPlatformFee {
		t.Fatalf("unexpected earnings %+v", earnings)
	}

	rec := h.release(t, "B1")
	if rec.Phase != domain.ReleasePhaseCompleted || rec.TargetSplit == nil || rec.TargetSplit.Total() != 10000 {
		t.Fatalf("unexpected release record %+v", rec)
	}
	transfers := h.processor.Transfers()
	if len(transfers) != 1 || transfers[0].Amount != 9000 || transfers[0].TransferGroup != domain.TransferGroup("B1") {
		t.Fatalf("unexpected transfers %+v", transfers)
	}
	types := h.repos.Outbox.EventTypes()
	if countEvents(types, domain.EventEscrowPaymentCaptured) != 1 || countEvents(types, domain.EventEscrowPaymentReleased) != 1 {
		t.Fatalf("expected captured and released events, got %v", types)
	}
}

func TestReleasePaymentPreconditions(t *testing.T) {
	t.Parallel()

	h := newAutoHarness(t)
	ctx := context.Background()
	h.onboardedSolver(t, "solver-1")
	h.seedBounty(t, "pending", 10000)
	pending, err := h.svc.CreateEscrow(ctx, escrowInput("pending", 10000))
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	held := h.heldEscrow(t, "held", 10000)

	cases := []struct {
		name  string
		input application.ReleaseInput
		want  error
	}{
		{name: "missing fields", input: application.ReleaseInput{BountyID: "held"}, want: domain.ErrValidation},
		{name: "not held", input: application.ReleaseInput{BountyID: "pending", SolverID: "solver-1", HoldRef: pending.HoldRef}, want: domain.ErrValidation},
		{name: "foreign hold", input: application.ReleaseInput{BountyID: "held", SolverID: "solver-1", HoldRef: pending.HoldRef}, want: domain.ErrValidation},
		{name: "unknown bounty", input: application.ReleaseInput{BountyID: "nope", SolverID: "solver-1", HoldRef: held}, want: domain.ErrNotFound},
	}
	for _, tc := range cases {
		if _, err := h.svc.ReleasePayment(ctx, tc.input); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if got := h.processor.Calls(memory.OpCaptureHold); got != 0 {
		t.Fatalf("expected no capture, got %d", got)
	}
}

func TestReleasePaymentRequiresOnboardedSolver(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.ProcessorOptions{AutoAuthorize: true})
	holdRef := h.heldEscrow(t, "B1", 10000)
	h.seedSolver(t, "no-account")
	h.seedSolver(t, "half-done")
	ctx := context.Background()
	if _, err := h.svc.StartOnboarding(ctx, "half-done"); err != nil {
		t.Fatalf("StartOnboarding: %v", err)
	}

	for _, solverID := range []string{"no-account", "half-done"} {
		_, err := h.svc.ReleasePayment(ctx, application.ReleaseInput{BountyID: "B1", SolverID: solverID, HoldRef: holdRef})
		if !errors.Is(err, domain.ErrNotReady) {
			t.Fatalf("%s: expected ErrNotReady, got %v", solverID, err)
		}
	}
	if got := h.processor.Calls(memory.OpCaptureHold); got != 0 {
		t.Fatalf("expected no capture before onboarding, got %d", got)
	}
	if h.bounty(t, "B1").EscrowStatus != domain.EscrowStatusHeld {
		t.Fatalf("escrow must stay held")
	}
}

func TestReleasePaymentRetriesOnlyTheTransfer(t *testing.T) {
	t.Parallel()

	h := newAutoHarness(t)
	holdRef := h.heldEscrow(t, "B1", 10000)
	h.onboardedSolver(t, "solver-1")
	h.processor.FailNext(memory.OpTransfer, errTimeout)
	ctx := context.Background()
	input := application.ReleaseInput{BountyID: "B1", SolverID: "solver-1", HoldRef: holdRef}

	if _, err := h.svc.ReleasePayment(ctx, input); !errors.Is(err, domain.ErrProcessorTransient) {
		t.Fatalf("expected transient transfer failure, got %v", err)
	}
	state, err := h.svc.GetEscrowState(ctx, "B1")
	if err != nil {
		t.Fatalf("GetEscrowState: %v", err)
	}
	if state.Bounty.EscrowStatus != domain.EscrowStatusHeld {
		t.Fatalf("escrow must not move before the transfer, got %s", state.Bounty.EscrowStatus)
	}
	if state.Release == nil || state.Release.Phase != domain.ReleasePhaseCaptured || state.Release.LastError == "" {
		t.Fatalf("expected captured, pending transfer, got %+v", state.Release)
	}
	if state.EarningsRecorded {
		t.Fatalf("earnings must not be recorded before the transfer")
	}

	res, err := h.svc.ReleasePayment(ctx, input)
	if err != nil {
		t.Fatalf("retry ReleasePayment: %v", err)
	}
	if !res.Success || res.SolverAmount != 9000 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := h.processor.Calls(memory.OpCaptureHold); got != 1 {
		t.Fatalf("expected a single capture, got %d", got)
	}
	if got := h.processor.Calls(memory.OpTransfer); got != 2 {
		t.Fatalf("expected the transfer to be retried once, got %d calls", got)
	}
	if got := len(h.processor.Transfers()); got != 1 {
		t.Fatalf("expected one transfer, got %d", got)
	}
}

func TestReleasePaymentResolvesUnknownCaptureOutcome(t *testing.T) {
	t.Parallel()

	h := newAutoHarness(t)
	holdRef := h.heldEscrow(t, "B1", 10000)
	h.onboardedSolver(t, "solver-1")
	h.processor.FailAfterEffect(memory.OpCaptureHold, errTimeout)
	ctx := context.Background()
	input := application.ReleaseInput{BountyID: "B1", SolverID: "solver-1", HoldRef: holdRef}

	if _, err := h.svc.ReleasePayment(ctx, input); !errors.Is(err, domain.ErrProcessorTransient) {
		t.Fatalf("expected transient capture failure, got %v", err)
	}
	if rec := h.release(t, "B1"); rec.Phase != domain.ReleasePhaseCapturePending || rec.CaptureAttempts != 1 {
		t.Fatalf("expected capture_pending after unknown outcome, got %+v", rec)
	}

	if _, err := h.svc.ReleasePayment(ctx, input); err != nil {
		t.Fatalf("retry ReleasePayment: %v", err)
	}
	if got := h.processor.Calls(memory.OpCaptureHold); got != 1 {
		t.Fatalf("the retry must read the hold back instead of capturing again, got %d captures", got)
	}
	if h.bounty(t, "B1").EscrowStatus != domain.EscrowStatusReleased {
		t.Fatalf("expected released escrow")
	}
}

func TestReleasePaymentRejectsReleasedBounty(t *testing.T) {
	t.Parallel()

	h := newAutoHarness(t)
	holdRef := h.heldEscrow(t, "B1", 10000)
	h.onboardedSolver(t, "solver-1")
	h.onboardedSolver(t, "solver-2")
	ctx := context.Background()

	first, err := h.svc.ReleasePayment(ctx, application.ReleaseInput{BountyID: "B1", SolverID: "solver-1", HoldRef: holdRef})
	if err != nil {
		t.Fatalf("ReleasePayment: %v", err)
	}
	calls := h.processor.TotalCalls()
	for _, solverID := range []string{"solver-1", "solver-2"} {
		_, err := h.svc.ReleasePayment(ctx, application.ReleaseInput{BountyID: "B1", SolverID: solverID, HoldRef: holdRef})
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", solverID, err)
		}
		if !strings.Contains(err.Error(), first.TransferRef) {
			t.Fatalf("%s: expected the error to carry %s, got %v", solverID, first.TransferRef, err)
		}
	}
	if got := h.processor.TotalCalls(); got != calls {
		t.Fatalf("expected zero processor calls for a released bounty, got %d", got-calls)
	}
	if h.processor.Calls(memory.OpCaptureHold) != 1 || len(h.processor.Transfers()) != 1 {
		t.Fatalf("a released bounty must not move money again")
	}
}

func TestReleasePaymentWithZeroPlatformFee(t *testing.T) {
	t.Parallel()

	repos := memory.NewRepositories()
	processor := memory.NewProcessor(memory.ProcessorOptions{AutoAuthorize: true, AutoOnboard: true})
	svc := application.NewService(application.Dependencies{
		Config: application.Config{
			PlatformFeeBps:       0,
			OnboardingRefreshURL: "https://app.example/refresh",
			OnboardingReturnURL:  "https://app.example/return",
		},
		Bounties:   repos.Bounties,
		Profiles:   repos.Profiles,
		Earnings:   repos.Earnings,
		Releases:   repos.Releases,
		Outbox:     repos.Outbox,
		EventDedup: repos.EventDedup,
		Processor:  processor,
		Locker:     cache.NewMemoryLocker(),
	})
	h := &harness{svc: svc, repos: repos, processor: processor}
	holdRef := h.heldEscrow(t, "B1", 10000)
	h.onboardedSolver(t, "solver-1")

	res, err := h.svc.ReleasePayment(context.Background(), application.ReleaseInput{BountyID: "B1", SolverID: "solver-1", HoldRef: holdRef})
	if err != nil {
		t.Fatalf("ReleasePayment: %v", err)
	}
	if res.SolverAmount != 10000 || res.PlatformFee != 0 {
		t.Fatalf("expected the full amount to reach the solver, got %+v", res)
	}
	if transfers := h.processor.Transfers(); len(transfers) != 1 || transfers[0].Amount != 10000 {
		t.Fatalf("unexpected transfers %+v", transfers)
	}
}

func TestReleasePaymentSurvivesPermanentCaptureFailure(t *testing.T) {
	t.Parallel()

	h := newAutoHarness(t)
	holdRef := h.heldEscrow(t, "B1", 10000)
	h.onboardedSolver(t, "solver-1")
	h.processor.FailNext(memory.OpCaptureHold, fmt.Errorf("%w: card_declined", domain.ErrProcessorPermanent))
	ctx := context.Background()
	input := application.ReleaseInput{BountyID: "B1", SolverID: "solver-1", HoldRef: holdRef}

	_, err := h.svc.ReleasePayment(ctx, input)
	if !errors.Is(err, domain.ErrProcessorPermanent) || !strings.Contains(err.Error(), "card_declined") {
		t.Fatalf("expected the processor rejection, got %v", err)
	}
	if got := h.bounty(t, "B1").EscrowStatus; got != domain.EscrowStatusHeld {
		t.Fatalf("escrow must stay held after a rejected capture, got %s", got)
	}
	if got := h.processor.Calls(memory.OpTransfer); got != 0 {
		t.Fatalf("expected no transfer after a rejected capture, got %d", got)
	}
	if hold, _ := h.processor.Hold(holdRef); hold.Status != ports.HoldStatusRequiresCapture {
		t.Fatalf("expected the hold to stay capturable, got %s", hold.Status)
	}

	res, err := h.svc.ReleasePayment(ctx, input)
	if err != nil {
		t.Fatalf("retry ReleasePayment: %v", err)
	}
	if !res.Success || res.SolverAmount != 9000 {
		t.Fatalf("unexpected result %+v", res)
	}
	if hold, _ := h.processor.Hold(holdRef); hold.Status != ports.HoldStatusSucceeded || hold.AmountReceived != 10000 {
		t.Fatalf("expected a single successful capture, got %+v", hold)
	}
	if got := len(h.processor.Transfers()); got != 1 {
		t.Fatalf("expected one transfer, got %d", got)
	}
}

func TestReleasePaymentRetriesRejectedTransferWithFreshKey(t *testing.T) {
	t.Parallel()

	h := newAutoHarness(t)
	holdRef := h.heldEscrow(t, "B1", 10000)
	h.onboardedSolver(t, "solver-1")
	h.processor.FailNext(memory.OpTransfer, fmt.Errorf("%w: balance_insufficient", domain.ErrProcessorPermanent))
	ctx := context.Background()
	input := application.ReleaseInput{BountyID: "B1", SolverID: "solver-1", HoldRef: holdRef}

	if _, err := h.svc.ReleasePayment(ctx, input); !errors.Is(err, domain.ErrProcessorPermanent) {
		t.Fatalf("expected the transfer rejection, got %v", err)
	}
	if rec := h.release(t, "B1"); rec.Phase != domain.ReleasePhaseCaptured || rec.TransferAttempts != 1 {
		t.Fatalf("expected captured, pending transfer, got %+v", rec)
	}

	res, err := h.svc.ReleasePayment(ctx, input)
	if err != nil {
		t.Fatalf("retry after the balance became available: %v", err)
	}
	if !res.Success || res.TransferRef == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.processor.Calls(memory.OpCaptureHold) != 1 || len(h.processor.Transfers()) != 1 {
		t.Fatalf("expected one capture and one transfer")
	}
}

func TestConcurrentReleasesCaptureOnce(t *testing.T) {
	t.Parallel()

	h := newAutoHarness(t)
	holdRef := h.heldEscrow(t, "B1", 10000)
	h.onboardedSolver(t, "solver-1")
	input := application.ReleaseInput{BountyID: "B1", SolverID: "solver-1", HoldRef: holdRef}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.ReleasePayment(context.Background(), input)
			// Losers either time out on the lock or find the bounty released.
			if err != nil && !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrValidation) {
				t.Errorf("ReleasePayment: %v", err)
				return
			}
			if err == nil && res.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful release, got %d", successes)
	}
	if got := h.processor.Calls(memory.OpCaptureHold); got != 1 {
		t.Fatalf("expected exactly one capture, got %d", got)
	}
	if got := len(h.processor.Transfers()); got != 1 {
		t.Fatalf("expected exactly one transfer, got %d", got)
	}
}

func TestBountyWriteFailureAfterTransferIsRepairedByRetry(t *testing.T) {
	t.Parallel()

	h := newAutoHarness(t)
	holdRef := h.heldEscrow(t, "B1", 10000)
	h.onboardedSolver(t, "solver-1")
	h.repos.Bounties.FailUpdates(errors.New("connection reset"), 1)
	ctx := context.Background()
	input := application.ReleaseInput{BountyID: "B1", SolverID: "solver-1", HoldRef: holdRef}

	if _, err := h.svc.ReleasePayment(ctx, input); !errors.Is(err, domain.ErrLedgerWrite) {
		t.Fatalf("expected ErrLedgerWrite, got %v", err)
	}
	if rec := h.release(t, "B1"); rec.Phase != domain.ReleasePhaseTransferred {
		t.Fatalf("expected transferred release, got %s", rec.Phase)
	}

	if _, err := h.svc.ReleasePayment(ctx, input); err != nil {
		t.Fatalf("retry ReleasePayment: %v", err)
	}
	if h.bounty(t, "B1").EscrowStatus != domain.EscrowStatusReleased {
		t.Fatalf("expected released escrow after retry")
	}
	if h.processor.Calls(memory.OpCaptureHold) != 1 || len(h.processor.Transfers()) != 1 {
		t.Fatalf("retry must not move money again")
	}
}

func TestReconcileRebuildsMissingEarnings(t *testing.T) {
	t.Parallel()

	h := newAutoHarness(t)
	holdRef := h.heldEscrow(t, "B1", 10000)
	h.onboardedSolver(t, "solver-1")
	h.repos.Earnings.FailAppends(errors.New("disk full"), 1)
	ctx := context.Background()

	res, err := h.svc.ReleasePayment(ctx, application.ReleaseInput{BountyID: "B1", SolverID: "solver-1", HoldRef: holdRef})
	if err != nil || !res.Success {
		t.Fatalf("expected success despite the earnings failure, got %+v, %v", res, err)
	}
	if _, err := h.repos.Earnings.Get(ctx, "solver-1", "B1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected missing earnings, got %v", err)
	}

	summary, err := h.svc.ReconcilePending(ctx)
	if err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if summary.Settled != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	earnings, err := h.repos.Earnings.Get(ctx, "solver-1", "B1")
	if err != nil {
		t.Fatalf("earnings after reconcile: %v", err)
	}
	if earnings.TransferRef != res.TransferRef {
		t.Fatalf("expected earnings to carry %s, got %s", res.TransferRef, earnings.TransferRef)
	}
	if rec := h.release(t, "B1"); rec.Phase != domain.ReleasePhaseCompleted {
		t.Fatalf("expected completed release, got %s", rec.Phase)
	}
	if len(h.processor.Transfers()) != 1 {
		t.Fatalf("reconcile must not transfer again")
	}
}

func TestReconcileRecordsLandedTransfer(t *testing.T) {
	t.Parallel()

	h := newAutoHarness(t)
	holdRef := h.heldEscrow(t, "B1", 10000)
	h.onboardedSolver(t, "solver-1")
	h.processor.FailAfterEffect(memory.OpTransfer, errTimeout)
	ctx := context.Background()

	if _, err := h.svc.ReleasePayment(ctx, application.ReleaseInput{BountyID: "B1", SolverID: "solver-1", HoldRef: holdRef}); !errors.Is(err, domain.ErrProcessorTransient) {
		t.Fatalf("expected transient transfer failure, got %v", err)
	}
	phase, err := h.svc.ReconcileRelease(ctx, "B1")
	if err != nil {
		t.Fatalf("ReconcileRelease: %v", err)
	}
	if phase != domain.ReleasePhaseCompleted {
		t.Fatalf("expected completed release, got %s", phase)
	}
	if h.processor.Calls(memory.OpTransfer) != 1 || len(h.processor.Transfers()) != 1 {
		t.Fatalf("reconcile must only read the transfer back")
	}
	if h.bounty(t, "B1").EscrowStatus != domain.EscrowStatusReleased {
		t.Fatalf("expected released escrow")
	}
}

func TestReconcilePendingConfirmsAuthorizedHolds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.ProcessorOptions{})
	ctx := context.Background()
	h.seedBounty(t, "B1", 10000)
	h.seedBounty(t, "B2", 20000)
	first, err := h.svc.CreateEscrow(ctx, escrowInput("B1", 10000))
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if _, err := h.svc.CreateEscrow(ctx, escrowInput("B2", 20000)); err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if err := h.processor.AuthorizeHold(first.HoldRef); err != nil {
		t.Fatalf("AuthorizeHold: %v", err)
	}

	summary, err := h.svc.ReconcilePending(ctx)
	if err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if summary.Confirmed != 1 {
		t.Fatalf("expected one confirmed hold, got %+v", summary)
	}
	if h.bounty(t, "B1").EscrowStatus != domain.EscrowStatusHeld || h.bounty(t, "B2").EscrowStatus != domain.EscrowStatusPending {
		t.Fatalf("unexpected escrow states")
	}
}

func TestHandleProcessorEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.ProcessorOptions{})
	h.seedBounty(t, "B1", 10000)
	ctx := context.Background()
	created, err := h.svc.CreateEscrow(ctx, escrowInput("B1", 10000))
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if err := h.processor.AuthorizeHold(created.HoldRef); err != nil {
		t.Fatalf("AuthorizeHold: %v", err)
	}

	event := ports.ProcessorEvent{
		EventID:   "evt_1",
		EventType: domain.ProcessorEventHoldAuthorized,
		ObjectRef: created.HoldRef,
		Metadata:  map[string]string{"bounty_id": "B1"},
	}
	if err := h.svc.HandleProcessorEvent(ctx, event); err != nil {
		t.Fatalf("HandleProcessorEvent: %v", err)
	}
	if h.bounty(t, "B1").EscrowStatus != domain.EscrowStatusHeld {
		t.Fatalf("expected held escrow")
	}
	calls := h.processor.TotalCalls()
	if err := h.svc.HandleProcessorEvent(ctx, event); err != nil {
		t.Fatalf("redelivered event: %v", err)
	}
	if h.processor.TotalCalls() != calls {
		t.Fatalf("redelivered event must not be applied again")
	}

	noBounty := event
	noBounty.EventID = "evt_2"
	noBounty.Metadata = nil
	if err := h.svc.HandleProcessorEvent(ctx, noBounty); !errors.Is(err, domain.ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
	if err := h.svc.HandleProcessorEvent(ctx, ports.ProcessorEvent{EventID: "evt_3", EventType: "invoice.paid"}); !errors.Is(err, domain.ErrUnsupportedEvent) {
		t.Fatalf("expected ErrUnsupportedEvent, got %v", err)
	}
	if err := h.svc.HandleProcessorEvent(ctx, ports.ProcessorEvent{EventType: domain.ProcessorEventHoldCanceled}); !errors.Is(err, domain.ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope without an id, got %v", err)
	}
}

func TestProcessorEventDedupIsPerProcessor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.ProcessorOptions{})
	h.seedBounty(t, "B1", 10000)
	ctx := context.Background()
	created, err := h.svc.CreateEscrow(ctx, escrowInput("B1", 10000))
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if err := h.processor.AuthorizeHold(created.HoldRef); err != nil {
		t.Fatalf("AuthorizeHold: %v", err)
	}

	event := ports.ProcessorEvent{
		Processor: "stripe",
		EventID:   "evt_1",
		EventType: domain.ProcessorEventHoldAuthorized,
		ObjectRef: created.HoldRef,
		Metadata:  map[string]string{"bounty_id": "B1"},
	}
	if err := h.svc.HandleProcessorEvent(ctx, event); err != nil {
		t.Fatalf("HandleProcessorEvent: %v", err)
	}
	now := time.Now().UTC()
	if dup, err := h.repos.EventDedup.IsDuplicate(ctx, "stripe", "evt_1", now); err != nil || !dup {
		t.Fatalf("expected evt_1 to be recorded for stripe, got %v (%v)", dup, err)
	}
	if dup, err := h.repos.EventDedup.IsDuplicate(ctx, "stripe-eu", "evt_1", now); err != nil || dup {
		t.Fatalf("expected evt_1 from another processor to be new, got %v (%v)", dup, err)
	}

	other := event
	other.Processor = "stripe-eu"
	if err := h.svc.HandleProcessorEvent(ctx, other); err != nil {
		t.Fatalf("HandleProcessorEvent from second processor: %v", err)
	}
	if dup, err := h.repos.EventDedup.IsDuplicate(ctx, "stripe-eu", "evt_1", now); err != nil || !dup {
		t.Fatalf("expected evt_1 to be recorded for stripe-eu, got %v (%v)", dup, err)
	}
}

func TestReconcilePendingPurgesExpiredDedupRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t, memory.ProcessorOptions{})
	ctx := context.Background()
	now := time.Now().UTC()
	if err := h.repos.EventDedup.MarkProcessed(ctx, ports.ProcessedEvent{
		Processor: "stripe", EventID: "evt_old", EventType: domain.ProcessorEventHoldAuthorized,
		BountyID: "B1", ExpiresAt: now.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if err := h.repos.EventDedup.MarkProcessed(ctx, ports.ProcessedEvent{
		Processor: "stripe", EventID: "evt_new", EventType: domain.ProcessorEventHoldAuthorized,
		BountyID: "B2", ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	summary, err := h.svc.ReconcilePending(ctx)
	if err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if summary.Purged != 1 || summary.Failed != 0 {
		t.Fatalf("expected one purged record, got %+v", summary)
	}
	if dup, _ := h.repos.EventDedup.IsDuplicate(ctx, "stripe", "evt_new", now); !dup {
		t.Fatalf("expected the live record to survive the purge")
	}
}
