package payments

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

type StripeConfig struct {
	SecretKey string
	// BaseURL overrides the API endpoint; empty means api.stripe.com.
	BaseURL        string
	RequestTimeout time.Duration
	// MaxRetries bounds retries of transient failures. Capture is never
	// retried here.
	MaxRetries     uint64
	RetryBaseDelay time.Duration
	HTTPClient     *http.Client
}

// StripeProcessor implements ports.MoneyProcessor on Stripe Connect: holds are
// manual-capture payment intents, sub-accounts are Express accounts and
// payouts are transfers tagged with the bounty's transfer group.
type StripeProcessor struct {
	api            *client.API
	requestTimeout time.Duration
	maxRetries     uint64
	retryBaseDelay time.Duration
	metrics        ports.Metrics
}

func NewStripeProcessor(cfg StripeConfig, metrics ports.Metrics) *StripeProcessor {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient: httpClient,
		// Retries are driven by our own backoff so they are visible in logs
		// and metrics and never apply to capture.
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	return &StripeProcessor{
		api:            client.New(cfg.SecretKey, stripe.NewBackendsWithConfig(backendCfg)),
		requestTimeout: cfg.RequestTimeout,
		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: cfg.RetryBaseDelay,
		metrics:        metrics,
	}
}

func call[T any](ctx context.Context, p *StripeProcessor, op string, retry bool, fn func(context.Context) (T, error)) (T, error) {
	attempt := func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
		out, err := fn(callCtx)
		err = classify(op, err)
		p.metrics.ObserveProcessorAttempt(op, outcome(err))
		if err == nil {
			return out, nil
		}
		if !retry || errors.Is(err, domain.ErrProcessorPermanent) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.retryBaseDelay
	policy.MaxInterval = 8 * p.retryBaseDelay
	maxRetries := p.maxRetries
	if !retry {
		maxRetries = 0
	}
	out, err := backoff.RetryWithData(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	if err != nil && !errors.Is(err, domain.ErrProcessorTransient) && !errors.Is(err, domain.ErrProcessorPermanent) {
		// backoff reports the bare context error when ctx ends between attempts.
		err = classify(op, err)
	}
	return out, err
}

func (p *StripeProcessor) CreateHold(ctx context.Context, req ports.HoldRequest) (ports.Hold, error) {
	return call(ctx, p, "create_hold", true, func(ctx context.Context) (ports.Hold, error) {
		params := &stripe.PaymentIntentParams{
			Amount:        stripe.Int64(req.Amount),
			Currency:      stripe.String(req.Currency),
			CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
			TransferGroup: stripe.String(req.TransferGroup),
			AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
				Enabled: stripe.Bool(true),
			},
		}
		if req.Title != "" {
			params.Description = stripe.String("Bounty: " + req.Title)
		}
		params.Context = ctx
		params.SetIdempotencyKey(req.IdempotencyKey)
		params.AddMetadata("bounty_id", req.BountyID)
		params.AddMetadata("funder_id", req.FunderID)
		pi, err := p.api.PaymentIntents.New(params)
		if err != nil {
			return ports.Hold{}, err
		}
		return holdFromIntent(pi), nil
	})
}

func (p *StripeProcessor) RetrieveHold(ctx context.Context, holdRef string) (ports.Hold, error) {
	return call(ctx, p, "retrieve_hold", true, func(ctx context.Context) (ports.Hold, error) {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err := p.api.PaymentIntents.Get(holdRef, params)
		if err != nil {
			return ports.Hold{}, err
		}
		return holdFromIntent(pi), nil
	})
}

func (p *StripeProcessor) CaptureHold(ctx context.Context, holdRef, idempotencyKey string) (ports.Hold, error) {
	return call(ctx, p, "capture_hold", false, func(ctx context.Context) (ports.Hold, error) {
		params := &stripe.PaymentIntentCaptureParams{}
		params.Context = ctx
		params.SetIdempotencyKey(idempotencyKey)
		pi, err := p.api.PaymentIntents.Capture(holdRef, params)
		if err != nil {
			return ports.Hold{}, err
		}
		return holdFromIntent(pi), nil
	})
}

func (p *StripeProcessor) CreateSubAccount(ctx context.Context, req ports.SubAccountRequest) (ports.SubAccount, error) {
	return call(ctx, p, "create_sub_account", true, func(ctx context.Context) (ports.SubAccount, error) {
		params := &stripe.AccountParams{
			Type: stripe.String(string(stripe.AccountTypeExpress)),
			Capabilities: &stripe.AccountCapabilitiesParams{
				Transfers: &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
			},
		}
		if req.Email != "" {
			params.Email = stripe.String(req.Email)
		}
		params.Context = ctx
		params.SetIdempotencyKey(req.IdempotencyKey)
		params.AddMetadata("user_id", req.UserID)
		acct, err := p.api.Accounts.New(params)
		if err != nil {
			return ports.SubAccount{}, err
		}
		return subAccountFrom(acct), nil
	})
}

func (p *StripeProcessor) RetrieveSubAccount(ctx context.Context, ref string) (ports.SubAccount, error) {
	return call(ctx, p, "retrieve_sub_account", true, func(ctx context.Context) (ports.SubAccount, error) {
		params := &stripe.AccountParams{}
		params.Context = ctx
		acct, err := p.api.Accounts.GetByID(ref, params)
		if err != nil {
			return ports.SubAccount{}, err
		}
		return subAccountFrom(acct), nil
	})
}

func (p *StripeProcessor) CreateOnboardingLink(ctx context.Context, ref, refreshURL, returnURL string) (ports.OnboardingLink, error) {
	return call(ctx, p, "create_onboarding_link", true, func(ctx context.Context) (ports.OnboardingLink, error) {
		params := &stripe.AccountLinkParams{
			Account:    stripe.String(ref),
			RefreshURL: stripe.String(refreshURL),
			ReturnURL:  stripe.String(returnURL),
			Type:       stripe.String(string(stripe.AccountLinkTypeAccountOnboarding)),
		}
		params.Context = ctx
		link, err := p.api.AccountLinks.New(params)
		if err != nil {
			return ports.OnboardingLink{}, err
		}
		return ports.OnboardingLink{URL: link.URL, ExpiresAt: time.Unix(link.ExpiresAt, 0).UTC()}, nil
	})
}

func (p *StripeProcessor) Transfer(ctx context.Context, req ports.TransferRequest) (ports.Transfer, error) {
	return call(ctx, p, "transfer", true, func(ctx context.Context) (ports.Transfer, error) {
		params := &stripe.TransferParams{
			Amount:        stripe.Int64(req.Amount),
			Currency:      stripe.String(req.Currency),
			Destination:   stripe.String(req.DestinationRef),
			TransferGroup: stripe.String(req.TransferGroup),
		}
		params.Context = ctx
		params.SetIdempotencyKey(req.IdempotencyKey)
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
		}
		tr, err := p.api.Transfers.New(params)
		if err != nil {
			return ports.Transfer{}, err
		}
		return transferFrom(tr), nil
	})
}

func (p *StripeProcessor) FindTransfer(ctx context.Context, transferGroup, destinationRef string) (*ports.Transfer, error) {
	return call(ctx, p, "find_transfer", true, func(ctx context.Context) (*ports.Transfer, error) {
		params := &stripe.TransferListParams{
			Destination:   stripe.String(destinationRef),
			TransferGroup: stripe.String(transferGroup),
		}
		params.Context = ctx
		iter := p.api.Transfers.List(params)
		for iter.Next() {
			tr := iter.Transfer()
			if tr.Reversed {
				continue
			}
			found := transferFrom(tr)
			return &found, nil
		}
		return nil, iter.Err()
	})
}

func holdFromIntent(pi *stripe.PaymentIntent) ports.Hold {
	return ports.Hold{
		Ref:            pi.ID,
		ClientSecret:   pi.ClientSecret,
		Amount:         pi.Amount,
		AmountReceived: pi.AmountReceived,
		Currency:       string(pi.Currency),
		Status:         ports.HoldStatus(pi.Status),
		TransferGroup:  pi.TransferGroup,
		Metadata:       pi.Metadata,
	}
}

func subAccountFrom(acct *stripe.Account) ports.SubAccount {
	return ports.SubAccount{
		Ref:              acct.ID,
		DetailsSubmitted: acct.DetailsSubmitted,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
	}
}

func transferFrom(tr *stripe.Transfer) ports.Transfer {
	out := ports.Transfer{Ref: tr.ID, Amount: tr.Amount, TransferGroup: tr.TransferGroup}
	if tr.Destination != nil {
		out.DestinationRef = tr.Destination.ID
	}
	return out
}

var _ ports.MoneyProcessor = (*StripeProcessor)(nil)
