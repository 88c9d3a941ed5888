package payments

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v79"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
)

// classify maps a Stripe client error onto the two processor error kinds.
// Anything that is not a definite rejection is transient: the request may or
// may not have reached the processor.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		detail := fmt.Sprintf("%s: %s (type=%s code=%s request_id=%s)", op, stripeErr.Msg, stripeErr.Type, stripeErr.Code, stripeErr.RequestID)
		switch {
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
			stripeErr.Type == stripe.ErrorTypeAPI,
			stripeErr.Code == stripe.ErrorCodeLockTimeout,
			stripeErr.Code == stripe.ErrorCodeRateLimit:
			return fmt.Errorf("%w: %s", domain.ErrProcessorTransient, detail)
		default:
			return fmt.Errorf("%w: %s", domain.ErrProcessorPermanent, detail)
		}
	}
	// Timeouts, cancellations, connection resets and undecodable responses.
	return fmt.Errorf("%w: %s: %w", domain.ErrProcessorTransient, op, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrProcessorPermanent):
		return "permanent"
	default:
		return "transient"
	}
}
