package domain

const (
	EventEscrowHoldCreated      = "escrow.hold_created"
	EventEscrowHoldConfirmed    = "escrow.hold_confirmed"
	EventEscrowPaymentCaptured  = "escrow.payment_captured"
	EventEscrowPaymentReleased  = "escrow.payment_released"
	EventSolverSubAccountLinked = "solver.sub_account_linked"
)

const (
	ProcessorEventHoldAuthorized = "payment_intent.amount_capturable_updated"
	ProcessorEventHoldCanceled   = "payment_intent.canceled"
	ProcessorEventAccountUpdated = "account.updated"
	ProcessorEventDisputeCreated = "charge.dispute.created"
)

func IsCanonicalEmittedEvent(eventType string) bool {
	switch eventType {
	case EventEscrowHoldCreated, EventEscrowHoldConfirmed, EventEscrowPaymentCaptured, EventEscrowPaymentReleased, EventSolverSubAccountLinked:
		return true
	default:
		return false
	}
}

func CanonicalPartitionKeyPath(eventType string) string {
	switch eventType {
	case EventSolverSubAccountLinked:
		return "data.solver_id"
	case EventEscrowHoldCreated, EventEscrowHoldConfirmed, EventEscrowPaymentCaptured, EventEscrowPaymentReleased:
		return "data.bounty_id"
	default:
		return ""
	}
}
