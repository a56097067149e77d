package domain

type CheckoutStage string

const (
	CheckoutStageIdle              CheckoutStage = "IDLE"
	CheckoutStageValidating        CheckoutStage = "VALIDATING"
	CheckoutStageDirectOrder       CheckoutStage = "DIRECT_ORDER"
	CheckoutStageAwaitingGateway   CheckoutStage = "AWAITING_GATEWAY"
	CheckoutStageSettlementPending CheckoutStage = "SETTLEMENT_PENDING"
)

var stageTransitions = map[CheckoutStage][]CheckoutStage{
	CheckoutStageIdle:            {CheckoutStageValidating},
	CheckoutStageValidating:      {CheckoutStageIdle, CheckoutStageDirectOrder, CheckoutStageAwaitingGateway},
	CheckoutStageAwaitingGateway: {CheckoutStageIdle, CheckoutStageSettlementPending},
	// a failed or unresolved settlement may be retried from checkout
	CheckoutStageSettlementPending: {CheckoutStageIdle},
}

// CanTransitionTo reports whether the orchestrator may move from one stage to another.
func CanTransitionTo(from, to CheckoutStage) bool {
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s CheckoutStage) IsTerminal() bool {
	return s == CheckoutStageDirectOrder
}

// String representation (for logging)
func (s CheckoutStage) String() string {
	return string(s)
}
