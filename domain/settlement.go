package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type SettlementStatus string

const (
	SettlementStatusPending SettlementStatus = "PENDING"
	SettlementStatusSuccess SettlementStatus = "SUCCESS"
	SettlementStatusFailed  SettlementStatus = "FAILED"
	SettlementStatusUnknown SettlementStatus = "UNKNOWN"
)

func (s SettlementStatus) IsFinal() bool {
	return s == SettlementStatusSuccess || s == SettlementStatusFailed
}

func (s SettlementStatus) String() string {
	return string(s)
}

// ParseGatewayState maps a gateway state string onto a settlement status.
// Unrecognised states are UNKNOWN, never success.
func ParseGatewayState(state string) SettlementStatus {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "COMPLETED", "SUCCESS", "SUCCEEDED", "PAID", "CAPTURED":
		return SettlementStatusSuccess
	case "FAILED", "FAILURE", "DECLINED", "CANCELLED", "CANCELED", "EXPIRED", "VOIDED":
		return SettlementStatusFailed
	case "PENDING", "PROCESSING", "CREATED", "APPROVED":
		return SettlementStatusPending
	default:
		return SettlementStatusUnknown
	}
}

// SettlementAttempt is the ledger row for one gateway handoff, keyed by the gateway reference.
type SettlementAttempt struct {
	GatewayReferenceID  string
	SessionID           string
	Identity            string
	PaymentMethod       PaymentMethod
	AmountDueNow        decimal.Decimal
	SnapshotFingerprint string
	Status              SettlementStatus
	VerifyCount         int
	OrderPlaced         bool
	OrderID             string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
