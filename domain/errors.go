package domain

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError is raised before any network call is made.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type CouponRejection string

const (
	CouponNotFound      CouponRejection = "NOT_FOUND"
	CouponExpired       CouponRejection = "EXPIRED"
	CouponMinimumNotMet CouponRejection = "MINIMUM_NOT_MET"
	CouponAlreadyUsed   CouponRejection = "ALREADY_USED"
	CouponInvalid       CouponRejection = "INVALID"
)

type CouponError struct {
	Code    string
	Kind    CouponRejection
	Message string
}

func (e *CouponError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("coupon %q rejected (%s): %s", e.Code, e.Kind, e.Message)
	}
	return fmt.Sprintf("coupon %q rejected (%s)", e.Code, e.Kind)
}

// GatewayInitiationError means no payment session exists; checkout stays open.
type GatewayInitiationError struct {
	Err error
}

func (e *GatewayInitiationError) Error() string {
	return fmt.Sprintf("payment session could not be created: %v", e.Err)
}

func (e *GatewayInitiationError) Unwrap() error {
	return e.Err
}

// GatewayOutcomeFailedError is an explicit gateway failure. No funds were captured.
type GatewayOutcomeFailedError struct {
	Reference string
}

func (e *GatewayOutcomeFailedError) Error() string {
	return fmt.Sprintf("payment %s failed, no funds were captured", e.Reference)
}

type GatewayOutcomeUnknownError struct {
	Reference string
	Status    SettlementStatus
	CanRetry  bool
}

func (e *GatewayOutcomeUnknownError) Error() string {
	return fmt.Sprintf("payment %s is not settled yet (%s)", e.Reference, e.Status)
}

// OrderSubmissionError is raised when the order backend rejects or cannot be
// reached after a confirmed payment. The pending snapshot is kept for retry.
type OrderSubmissionError struct {
	Reference string
	Err       error
}

func (e *OrderSubmissionError) Error() string {
	if e.Reference == "" {
		return fmt.Sprintf("order submission failed: %v", e.Err)
	}
	return fmt.Sprintf("order submission for payment %s failed: %v", e.Reference, e.Err)
}

func (e *OrderSubmissionError) Unwrap() error {
	return e.Err
}
