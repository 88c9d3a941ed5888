package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

// LoggingPublisher stands in for Kafka when no brokers are configured. It
// logs the money references each escrow event carries so the audit trail
// survives without a broker.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	return &LoggingPublisher{logger: logger}
}

// escrowRefs is the union of the reference fields across escrow payloads.
type escrowRefs struct {
	BountyID    string `json:"bounty_id"`
	SolverID    string `json:"solver_id"`
	HoldRef     string `json:"hold_ref"`
	TransferRef string `json:"transfer_ref"`
}

func (p *LoggingPublisher) Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error {
	var envelope contracts.EventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("%w: decode %s envelope: %v", domain.ErrInvalidEnvelope, eventType, err)
	}
	var refs escrowRefs
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &refs); err != nil {
			return fmt.Errorf("%w: decode %s data: %v", domain.ErrInvalidEnvelope, eventType, err)
		}
	}
	attrs := []any{
		"module", "events.publisher",
		"layer", "adapter",
		"operation", "publish",
		"outcome", "success",
		"event_type", eventType,
		"event_id", envelope.EventID,
		"partition_key", partitionKey,
	}
	for _, kv := range [][2]string{
		{"bounty_id", refs.BountyID},
		{"solver_id", refs.SolverID},
		{"hold_ref", refs.HoldRef},
		{"transfer_ref", refs.TransferRef},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	p.logger.InfoContext(ctx, "event published", attrs...)
	return nil
}

var _ ports.EventPublisher = (*LoggingPublisher)(nil)
