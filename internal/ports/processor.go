package ports

import (
	"context"
	"time"
)

type HoldStatus string

const (
	HoldStatusRequiresPaymentMethod HoldStatus = "requires_payment_method"
	HoldStatusRequiresConfirmation  HoldStatus = "requires_confirmation"
	HoldStatusRequiresAction        HoldStatus = "requires_action"
	HoldStatusProcessing            HoldStatus = "processing"
	HoldStatusRequiresCapture       HoldStatus = "requires_capture"
	HoldStatusSucceeded             HoldStatus = "succeeded"
	HoldStatusCanceled              HoldStatus = "canceled"
)

type HoldRequest struct {
	BountyID       string
	FunderID       string
	Title          string
	Amount         int64
	Currency       string
	TransferGroup  string
	IdempotencyKey string
}

type Hold struct {
	Ref            string
	ClientSecret   string
	Amount         int64
	AmountReceived int64
	Currency       string
	Status         HoldStatus
	TransferGroup  string
	Metadata       map[string]string
}

type SubAccountRequest struct {
	UserID         string
	Email          string
	IdempotencyKey string
}

type SubAccount struct {
	Ref              string
	DetailsSubmitted bool
	ChargesEnabled   bool
	PayoutsEnabled   bool
}

type OnboardingLink struct {
	URL       string
	ExpiresAt time.Time
}

type TransferRequest struct {
	Amount         int64
	Currency       string
	DestinationRef string
	TransferGroup  string
	IdempotencyKey string
	Metadata       map[string]string
}

type Transfer struct {
	Ref            string
	Amount         int64
	DestinationRef string
	TransferGroup  string
}

// MoneyProcessor is the external payment processor. Every error returned is
// wrapped with domain.ErrProcessorTransient or domain.ErrProcessorPermanent.
type MoneyProcessor interface {
	CreateHold(ctx context.Context, req HoldRequest) (Hold, error)
	RetrieveHold(ctx context.Context, holdRef string) (Hold, error)
	// CaptureHold is not retried internally. A transient error means the
	// outcome is unknown and must be resolved with RetrieveHold.
	CaptureHold(ctx context.Context, holdRef, idempotencyKey string) (Hold, error)
	CreateSubAccount(ctx context.Context, req SubAccountRequest) (SubAccount, error)
	RetrieveSubAccount(ctx context.Context, ref string) (SubAccount, error)
	CreateOnboardingLink(ctx context.Context, ref, refreshURL, returnURL string) (OnboardingLink, error)
	Transfer(ctx context.Context, req TransferRequest) (Transfer, error)
	// FindTransfer returns nil when no transfer to destinationRef exists in the group.
	FindTransfer(ctx context.Context, transferGroup, destinationRef string) (*Transfer, error)
}

// ProcessorEvent is a verified webhook notification.
type ProcessorEvent struct {
	// Processor names the account that delivered the event. Event ids are
	// only unique per processor.
	Processor string
	EventID   string
	EventType string
	ObjectRef string
	Metadata  map[string]string
	CreatedAt time.Time
}

type WebhookVerifier interface {
	Verify(payload []byte, signatureHeader string) (ProcessorEvent, error)
}
