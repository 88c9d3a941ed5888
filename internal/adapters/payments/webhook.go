package payments

import (
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

// ProcessorStripe tags events delivered by Stripe.
const ProcessorStripe = "stripe"

// StripeWebhookVerifier checks the Stripe-Signature header against the
// endpoint's signing secret and flattens the event into a ProcessorEvent.
type StripeWebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

func NewStripeWebhookVerifier(secret string, tolerance time.Duration) *StripeWebhookVerifier {
	return &StripeWebhookVerifier{secret: secret, tolerance: tolerance}
}

func (v *StripeWebhookVerifier) Verify(payload []byte, signatureHeader string) (ports.ProcessorEvent, error) {
	if v.secret == "" {
		return ports.ProcessorEvent{}, fmt.Errorf("%w: webhook secret not configured", domain.ErrUnauthorized)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return ports.ProcessorEvent{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if event.ID == "" || event.Type == "" || event.Data == nil {
		return ports.ProcessorEvent{}, fmt.Errorf("%w: event is missing id, type or data", domain.ErrInvalidEnvelope)
	}

	out := ports.ProcessorEvent{
		Processor: ProcessorStripe,
		EventID:   event.ID,
		EventType: string(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
		Metadata:  map[string]string{},
	}
	if id, ok := event.Data.Object["id"].(string); ok {
		out.ObjectRef = id
	}
	if md, ok := event.Data.Object["metadata"].(map[string]interface{}); ok {
		for k, raw := range md {
			if s, ok := raw.(string); ok {
				out.Metadata[k] = s
			}
		}
	}
	return out, nil
}

var _ ports.WebhookVerifier = (*StripeWebhookVerifier)(nil)
