package application

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

// HandleProcessorEvent applies a verified processor webhook. Redelivered
// events are acknowledged without being applied twice.
func (s *Service) HandleProcessorEvent(ctx context.Context, event ports.ProcessorEvent) error {
	if strings.TrimSpace(event.EventID) == "" || strings.TrimSpace(event.EventType) == "" {
		return domain.ErrInvalidEnvelope
	}
	now := s.nowFn()
	if s.eventDedup != nil {
		dup, err := s.eventDedup.IsDuplicate(ctx, event.Processor, event.EventID, now)
		if err != nil {
			return err
		}
		if dup {
			return nil
		}
	}

	var err error
	switch event.EventType {
	case domain.ProcessorEventHoldAuthorized:
		bountyID := event.Metadata["bounty_id"]
		if bountyID == "" {
			return fmt.Errorf("%w: hold %s carries no bounty_id", domain.ErrInvalidEnvelope, event.ObjectRef)
		}
		_, err = s.ConfirmHold(ctx, bountyID)
	case domain.ProcessorEventAccountUpdated:
		if userID := event.Metadata["user_id"]; userID != "" {
			_, err = s.CanReceivePayments(ctx, userID)
		}
	case domain.ProcessorEventHoldCanceled, domain.ProcessorEventDisputeCreated:
		logger().WarnContext(ctx, "processor event needs operator attention",
			"operation", "handle_processor_event",
			"outcome", "unhandled",
			"event_id", event.EventID,
			"event_type", event.EventType,
			"object_ref", event.ObjectRef,
			"bounty_id", event.Metadata["bounty_id"],
		)
	default:
		return domain.ErrUnsupportedEvent
	}
	if err != nil {
		return err
	}
	if s.eventDedup != nil {
		return s.eventDedup.MarkProcessed(ctx, ports.ProcessedEvent{
			Processor: event.Processor,
			EventID:   event.EventID,
			EventType: event.EventType,
			ObjectRef: event.ObjectRef,
			BountyID:  event.Metadata["bounty_id"],
			ExpiresAt: now.Add(s.cfg.EventDedupTTL),
		})
	}
	return nil
}

// enqueueEvent writes to the outbox. The money movement it describes already
// happened, so a failure here is logged and never returned.
func (s *Service) enqueueEvent(ctx context.Context, eventType, partitionKey string, data any) {
	if s.outbox == nil {
		return
	}
	if err := s.writeOutbox(ctx, eventType, partitionKey, data); err != nil {
		logger().WarnContext(ctx, "failed to enqueue event",
			"operation", "enqueue_event",
			"outcome", "failure",
			"event_type", eventType,
			"partition_key", partitionKey,
			"error", err,
		)
	}
}

func (s *Service) writeOutbox(ctx context.Context, eventType, partitionKey string, data any) error {
	if !domain.IsCanonicalEmittedEvent(eventType) {
		return domain.ErrUnsupportedEvent
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	occurredAt := s.nowFn()
	eventID := uuid.New()
	env := contracts.EventEnvelope{
		EventID:          eventID.String(),
		EventType:        eventType,
		OccurredAt:       occurredAt,
		PartitionKeyPath: domain.CanonicalPartitionKeyPath(eventType),
		PartitionKey:     partitionKey,
		SourceService:    s.cfg.ServiceName,
		TraceID:          uuid.NewString(),
		SchemaVersion:    "1.0",
		Data:             raw,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.outbox.Enqueue(context.WithoutCancel(ctx), ports.OutboxEvent{
		EventID:          eventID,
		EventType:        eventType,
		PartitionKey:     partitionKey,
		PartitionKeyPath: env.PartitionKeyPath,
		Payload:          payload,
		OccurredAt:       occurredAt,
		SchemaVersion:    env.SchemaVersion,
		TraceID:          env.TraceID,
	})
}

func (s *Service) enqueueHoldCreated(ctx context.Context, bounty domain.Bounty, holdRef string) {
	s.enqueueEvent(ctx, domain.EventEscrowHoldCreated, bounty.BountyID, contracts.EscrowHoldCreatedPayload{
		BountyID: bounty.BountyID,
		FunderID: bounty.FunderID,
		HoldRef:  holdRef,
		Amount:   bounty.EscrowAmount,
		Currency: s.currencyFor(bounty),
		HeldAt:   bounty.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Service) enqueueHoldConfirmed(ctx context.Context, bounty domain.Bounty) {
	s.enqueueEvent(ctx, domain.EventEscrowHoldConfirmed, bounty.BountyID, contracts.EscrowHoldConfirmedPayload{
		BountyID:    bounty.BountyID,
		HoldRef:     bounty.EscrowHoldRef,
		Amount:      bounty.EscrowAmount,
		ConfirmedAt: bounty.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Service) enqueuePaymentCaptured(ctx context.Context, rec domain.ReleaseRecord) {
	capturedAt := rec.UpdatedAt
	if rec.CapturedAt != nil {
		capturedAt = *rec.CapturedAt
	}
	s.enqueueEvent(ctx, domain.EventEscrowPaymentCaptured, rec.BountyID, contracts.EscrowPaymentCapturedPayload{
		BountyID:       rec.BountyID,
		SolverID:       rec.SolverID,
		HoldRef:        rec.HoldRef,
		CapturedAmount: rec.CapturedAmount,
		CapturedAt:     capturedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Service) enqueuePaymentReleased(ctx context.Context, rec domain.ReleaseRecord) {
	s.enqueueEvent(ctx, domain.EventEscrowPaymentReleased, rec.BountyID, contracts.EscrowPaymentReleasedPayload{
		BountyID:     rec.BountyID,
		SolverID:     rec.SolverID,
		TransferRef:  rec.TransferRef,
		SolverAmount: rec.SolverAmount,
		PlatformFee:  rec.PlatformFee,
		FeeModel:     rec.FeeModel,
		ReleasedAt:   rec.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Service) enqueueSubAccountLinked(ctx context.Context, solverID, ref string) {
	s.enqueueEvent(ctx, domain.EventSolverSubAccountLinked, solverID, contracts.SolverSubAccountLinkedPayload{
		SolverID:      solverID,
		SubAccountRef: ref,
		LinkedAt:      s.nowFn().Format(time.RFC3339),
	})
}
