package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

const (
	OpCreateHold           = "create_hold"
	OpRetrieveHold         = "retrieve_hold"
	OpCaptureHold          = "capture_hold"
	OpCreateSubAccount     = "create_sub_account"
	OpRetrieveSubAccount   = "retrieve_sub_account"
	OpCreateOnboardingLink = "create_onboarding_link"
	OpTransfer             = "transfer"
	OpFindTransfer         = "find_transfer"
)

type ProcessorOptions struct {
	// AutoAuthorize moves every new hold straight to requires_capture, as if
	// the funder had confirmed the payment.
	AutoAuthorize bool
	// AutoOnboard completes a sub-account as soon as its onboarding link is
	// issued.
	AutoOnboard bool
}

type fault struct {
	err         error
	afterEffect bool
}

// Processor is a deterministic in-process money processor. It honours
// idempotency keys like the real one and can be told to fail specific
// operations, either before or after the side effect is applied.
type Processor struct {
	mu   sync.Mutex
	opts ProcessorOptions
	seq  int

	holds     map[string]ports.Hold
	accounts  map[string]ports.SubAccount
	transfers []ports.Transfer
	byKey     map[string]string

	calls  map[string]int
	faults map[string][]fault
	// rejected remembers permanent failures per idempotency key. Like the
	// real processor, a request repeated with the same key gets the same
	// rejection back without being evaluated again.
	rejected map[string]error
}

func NewProcessor(opts ProcessorOptions) *Processor {
	return &Processor{
		opts:     opts,
		holds:    map[string]ports.Hold{},
		accounts: map[string]ports.SubAccount{},
		byKey:    map[string]string{},
		calls:    map[string]int{},
		faults:   map[string][]fault{},
		rejected: map[string]error{},
	}
}

// FailNext makes the next call to op return err without any side effect. A
// permanent err is remembered for the call's idempotency key.
func (p *Processor) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], fault{err: err})
}

// FailAfterEffect makes the next call to op apply its side effect and then
// return err, like a timeout after the processor already acted.
func (p *Processor) FailAfterEffect(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], fault{err: err, afterEffect: true})
}

func (p *Processor) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *Processor) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

// AuthorizeHold simulates the funder confirming payment.
func (p *Processor) AuthorizeHold(ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	hold, ok := p.holds[ref]
	if !ok {
		return fmt.Errorf("%w: no such hold %s", domain.ErrProcessorPermanent, ref)
	}
	if hold.Status == ports.HoldStatusRequiresPaymentMethod {
		hold.Status = ports.HoldStatusRequiresCapture
		p.holds[ref] = hold
	}
	return nil
}

// CancelHold simulates the authorization expiring or being voided.
func (p *Processor) CancelHold(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hold, ok := p.holds[ref]; ok && hold.Status != ports.HoldStatusSucceeded {
		hold.Status = ports.HoldStatusCanceled
		p.holds[ref] = hold
	}
}

// CompleteOnboarding marks a sub-account fully verified.
func (p *Processor) CompleteOnboarding(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completeOnboarding(ref)
}

func (p *Processor) completeOnboarding(ref string) {
	if acct, ok := p.accounts[ref]; ok {
		acct.DetailsSubmitted = true
		acct.ChargesEnabled = true
		acct.PayoutsEnabled = true
		p.accounts[ref] = acct
	}
}

// Transfers returns every transfer made so far.
func (p *Processor) Transfers() []ports.Transfer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.Transfer(nil), p.transfers...)
}

func (p *Processor) Hold(ref string) (ports.Hold, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hold, ok := p.holds[ref]
	return hold, ok
}

// begin records the call and pops any queued fault. It must hold p.mu.
func (p *Processor) begin(ctx context.Context, op, idempotencyKey string) (fault, error) {
	p.calls[op]++
	if err := ctx.Err(); err != nil {
		return fault{}, fmt.Errorf("%w: %s: %w", domain.ErrProcessorTransient, op, err)
	}
	if err, ok := p.rejected[idempotencyKey]; ok && idempotencyKey != "" {
		return fault{}, err
	}
	queue := p.faults[op]
	if len(queue) == 0 {
		return fault{}, nil
	}
	f := queue[0]
	p.faults[op] = queue[1:]
	if !f.afterEffect {
		return fault{}, p.reject(idempotencyKey, f.err)
	}
	return f, nil
}

// reject caches a permanent failure under its idempotency key. It must hold
// p.mu.
func (p *Processor) reject(idempotencyKey string, err error) error {
	if idempotencyKey != "" && errors.Is(err, domain.ErrProcessorPermanent) {
		p.rejected[idempotencyKey] = err
	}
	return err
}

func (p *Processor) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_sandbox_%06d", prefix, p.seq)
}

func (p *Processor) CreateHold(ctx context.Context, req ports.HoldRequest) (ports.Hold, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.begin(ctx, OpCreateHold, req.IdempotencyKey)
	if err != nil {
		return ports.Hold{}, err
	}
	if req.Amount <= 0 {
		return ports.Hold{}, fmt.Errorf("%w: amount must be positive", domain.ErrProcessorPermanent)
	}
	if ref, ok := p.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		hold := p.holds[ref]
		if hold.Amount != req.Amount {
			return ports.Hold{}, fmt.Errorf("%w: idempotency key %s reused with different parameters", domain.ErrProcessorPermanent, req.IdempotencyKey)
		}
		return hold, f.err
	}
	ref := p.nextID("pi")
	hold := ports.Hold{
		Ref:           ref,
		ClientSecret:  ref + "_secret",
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        ports.HoldStatusRequiresPaymentMethod,
		TransferGroup: req.TransferGroup,
		Metadata:      map[string]string{"bounty_id": req.BountyID, "funder_id": req.FunderID},
	}
	if p.opts.AutoAuthorize {
		hold.Status = ports.HoldStatusRequiresCapture
	}
	p.holds[ref] = hold
	if req.IdempotencyKey != "" {
		p.byKey[req.IdempotencyKey] = ref
	}
	return hold, f.err
}

func (p *Processor) RetrieveHold(ctx context.Context, holdRef string) (ports.Hold, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.begin(ctx, OpRetrieveHold, "")
	if err != nil {
		return ports.Hold{}, err
	}
	hold, ok := p.holds[holdRef]
	if !ok {
		return ports.Hold{}, fmt.Errorf("%w: no such hold %s", domain.ErrProcessorPermanent, holdRef)
	}
	return hold, f.err
}

func (p *Processor) CaptureHold(ctx context.Context, holdRef, idempotencyKey string) (ports.Hold, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.begin(ctx, OpCaptureHold, idempotencyKey)
	if err != nil {
		return ports.Hold{}, err
	}
	hold, ok := p.holds[holdRef]
	if !ok {
		return ports.Hold{}, fmt.Errorf("%w: no such hold %s", domain.ErrProcessorPermanent, holdRef)
	}
	if prev, seen := p.byKey[idempotencyKey]; seen && idempotencyKey != "" && prev == holdRef {
		return hold, f.err
	}
	switch hold.Status {
	case ports.HoldStatusRequiresCapture:
	case ports.HoldStatusSucceeded:
		return ports.Hold{}, p.reject(idempotencyKey, fmt.Errorf("%w: hold %s has already been captured", domain.ErrProcessorPermanent, holdRef))
	default:
		return ports.Hold{}, p.reject(idempotencyKey, fmt.Errorf("%w: hold %s cannot be captured in status %s", domain.ErrProcessorPermanent, holdRef, hold.Status))
	}
	hold.Status = ports.HoldStatusSucceeded
	hold.AmountReceived = hold.Amount
	p.holds[holdRef] = hold
	if idempotencyKey != "" {
		p.byKey[idempotencyKey] = holdRef
	}
	return hold, f.err
}

func (p *Processor) CreateSubAccount(ctx context.Context, req ports.SubAccountRequest) (ports.SubAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.begin(ctx, OpCreateSubAccount, req.IdempotencyKey)
	if err != nil {
		return ports.SubAccount{}, err
	}
	if ref, ok := p.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return p.accounts[ref], f.err
	}
	acct := ports.SubAccount{Ref: p.nextID("acct")}
	p.accounts[acct.Ref] = acct
	if req.IdempotencyKey != "" {
		p.byKey[req.IdempotencyKey] = acct.Ref
	}
	return acct, f.err
}

func (p *Processor) RetrieveSubAccount(ctx context.Context, ref string) (ports.SubAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.begin(ctx, OpRetrieveSubAccount, "")
	if err != nil {
		return ports.SubAccount{}, err
	}
	acct, ok := p.accounts[ref]
	if !ok {
		return ports.SubAccount{}, fmt.Errorf("%w: no such account %s", domain.ErrProcessorPermanent, ref)
	}
	return acct, f.err
}

func (p *Processor) CreateOnboardingLink(ctx context.Context, ref, refreshURL, returnURL string) (ports.OnboardingLink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.begin(ctx, OpCreateOnboardingLink, "")
	if err != nil {
		return ports.OnboardingLink{}, err
	}
	if _, ok := p.accounts[ref]; !ok {
		return ports.OnboardingLink{}, fmt.Errorf("%w: no such account %s", domain.ErrProcessorPermanent, ref)
	}
	if p.opts.AutoOnboard {
		p.completeOnboarding(ref)
	}
	link := ports.OnboardingLink{
		URL:       fmt.Sprintf("https://connect.sandbox.invalid/setup/%s?refresh_url=%s&return_url=%s", ref, refreshURL, returnURL),
		ExpiresAt: time.Now().UTC().Add(5 * time.Minute),
	}
	return link, f.err
}

func (p *Processor) Transfer(ctx context.Context, req ports.TransferRequest) (ports.Transfer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.begin(ctx, OpTransfer, req.IdempotencyKey)
	if err != nil {
		return ports.Transfer{}, err
	}
	if ref, ok := p.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		for _, tr := range p.transfers {
			if tr.Ref == ref {
				return tr, f.err
			}
		}
	}
	if req.Amount <= 0 {
		return ports.Transfer{}, p.reject(req.IdempotencyKey, fmt.Errorf("%w: transfer amount must be positive", domain.ErrProcessorPermanent))
	}
	acct, ok := p.accounts[req.DestinationRef]
	if !ok {
		return ports.Transfer{}, p.reject(req.IdempotencyKey, fmt.Errorf("%w: no such destination %s", domain.ErrProcessorPermanent, req.DestinationRef))
	}
	if !acct.PayoutsEnabled {
		return ports.Transfer{}, p.reject(req.IdempotencyKey, fmt.Errorf("%w: destination %s cannot receive transfers", domain.ErrProcessorPermanent, req.DestinationRef))
	}
	tr := ports.Transfer{
		Ref:            p.nextID("tr"),
		Amount:         req.Amount,
		DestinationRef: req.DestinationRef,
		TransferGroup:  req.TransferGroup,
	}
	p.transfers = append(p.transfers, tr)
	if req.IdempotencyKey != "" {
		p.byKey[req.IdempotencyKey] = tr.Ref
	}
	return tr, f.err
}

func (p *Processor) FindTransfer(ctx context.Context, transferGroup, destinationRef string) (*ports.Transfer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := p.begin(ctx, OpFindTransfer, "")
	if err != nil {
		return nil, err
	}
	for _, tr := range p.transfers {
		if tr.TransferGroup == transferGroup && tr.DestinationRef == destinationRef {
			found := tr
			return &found, f.err
		}
	}
	return nil, f.err
}

var _ ports.MoneyProcessor = (*Processor)(nil)
