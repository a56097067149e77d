// Package state is the persisted checkout state of a browser session: guest
// cart, applied coupon, pending-checkout snapshots, order dedupe markers and
// the last known COD deposit. Everything lives in Redis and survives both
// service restarts and full page reloads.
package state

import (
	"errors"

	"github.com/fjod/ticket_checkout/domain"
)

var (
	ErrNotFound    = errors.New("state not found")
	ErrClaimLost   = errors.New("order claim no longer held")
	ErrInvalidData = errors.New("stored state is corrupt")
)

type ClaimResult int

const (
	// Claimed means the caller now holds the exclusive right to submit the order.
	Claimed ClaimResult = iota
	// AlreadyPlaced means a previous trigger placed the order; Marker is set.
	AlreadyPlaced
	// InProgress means another trigger holds a live claim.
	InProgress
)

func (c ClaimResult) String() string {
	switch c {
	case Claimed:
		return "claimed"
	case AlreadyPlaced:
		return "already_placed"
	case InProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

// Claim is returned by ClaimOrder. Token identifies the holder and must be
// passed back to CompleteOrder or ReleaseClaim.
type Claim struct {
	Result ClaimResult
	Token  string
	Marker *domain.OrderMarker
}
