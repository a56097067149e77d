// Package settlement decides what a payment gateway return actually means.
// Redirect query parameters are only hints; the gateway's status and confirm
// APIs are authoritative.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/ticket_checkout/domain"
	"github.com/fjod/ticket_checkout/internal/order"
	"github.com/fjod/ticket_checkout/internal/repository"
	"github.com/fjod/ticket_checkout/internal/state"
	"github.com/fjod/ticket_checkout/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultMaxVerifyAttempts = 3

var (
	ErrRetryLimitReached = errors.New("payment verification retry limit reached")
	ErrUnknownReference  = errors.New("unknown payment reference")
)

var tracer = otel.Tracer("github.com/fjod/ticket_checkout/internal/settlement")

type Snapshots interface {
	LoadMarker(ctx context.Context, reference string) (*domain.OrderMarker, error)
	LoadPending(ctx context.Context, reference string) (*domain.PendingCheckout, error)
	SavePending(ctx context.Context, p *domain.PendingCheckout) error
}

type Ledger interface {
	GetAttempt(ctx context.Context, reference string) (*domain.SettlementAttempt, error)
	RecordVerification(ctx context.Context, reference string, status domain.SettlementStatus) (int, error)
}

type Gateway interface {
	Status(ctx context.Context, reference string) (string, error)
	Confirm(ctx context.Context, reference string) (string, error)
}

type Placer interface {
	Place(ctx context.Context, req order.PlaceRequest) (*order.Result, error)
}

// ReturnParams carries what the gateway redirect put in the URL. Status is
// empty for the in-page callback.
type ReturnParams struct {
	Reference string
	Status    string
}

type Outcome struct {
	Reference     string                  `json:"reference"`
	Status        domain.SettlementStatus `json:"status"`
	OrderID       string                  `json:"order_id,omitempty"`
	AlreadyPlaced bool                    `json:"already_placed"`
	VerifyCount   int                     `json:"verify_count"`
}

type Resolver struct {
	snapshots Snapshots
	ledger    Ledger
	gateway   Gateway
	placer    Placer
	maxVerify int
	log       *zap.Logger
	sfg       singleflight.Group
}

func NewResolver(snapshots Snapshots, ledger Ledger, gateway Gateway, placer Placer, maxVerify int, log *zap.Logger) *Resolver {
	if maxVerify < 1 {
		maxVerify = DefaultMaxVerifyAttempts
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		snapshots: snapshots,
		ledger:    ledger,
		gateway:   gateway,
		placer:    placer,
		maxVerify: maxVerify,
		log:       log.Named("settlement"),
	}
}

// Resolve verifies the outcome of a gateway handoff and places the order on
// success. Concurrent calls for one reference share a single resolution.
func (r *Resolver) Resolve(ctx context.Context, params ReturnParams) (*Outcome, error) {
	if params.Reference == "" {
		return nil, domain.NewValidationError("reference", "is required")
	}

	// Joined callers share the result, so one caller going away must not
	// abort the resolution for the others.
	v, err, shared := r.sfg.Do(params.Reference, func() (interface{}, error) {
		return r.resolve(context.WithoutCancel(ctx), params)
	})
	if shared {
		logger.FromContext(ctx, r.log).Debug("resolve collapsed", zap.String("reference", params.Reference))
	}
	if err != nil {
		return nil, err
	}
	out := *v.(*Outcome)
	return &out, nil
}

// Retry re-verifies a reference on explicit user request, at most
// maxVerify times in total.
func (r *Resolver) Retry(ctx context.Context, reference string) (*Outcome, error) {
	attempt, err := r.ledger.GetAttempt(ctx, reference)
	if errors.Is(err, repository.ErrAttemptNotFound) {
		return nil, ErrUnknownReference
	}
	if err != nil {
		return nil, fmt.Errorf("load settlement attempt: %w", err)
	}
	if attempt.Status != domain.SettlementStatusSuccess && !attempt.OrderPlaced && attempt.VerifyCount >= r.maxVerify {
		return nil, ErrRetryLimitReached
	}
	return r.Resolve(ctx, ReturnParams{Reference: reference})
}

func (r *Resolver) resolve(ctx context.Context, params ReturnParams) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "settlement.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("checkout.reference", params.Reference),
		attribute.String("checkout.status_hint", params.Status),
	)

	out, err := r.run(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("settlement.status", out.Status.String()))
	return out, nil
}

func (r *Resolver) run(ctx context.Context, params ReturnParams) (*Outcome, error) {
	ref := params.Reference
	log := logger.FromContext(ctx, r.log).With(zap.String("reference", ref))

	marker, err := r.snapshots.LoadMarker(ctx, ref)
	if err == nil {
		return &Outcome{Reference: ref, Status: domain.SettlementStatusSuccess, OrderID: marker.OrderID, AlreadyPlaced: true}, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("load order marker: %w", err)
	}

	attempt, err := r.ledger.GetAttempt(ctx, ref)
	if errors.Is(err, repository.ErrAttemptNotFound) {
		return nil, ErrUnknownReference
	}
	if err != nil {
		return nil, fmt.Errorf("load settlement attempt: %w", err)
	}
	if attempt.OrderPlaced {
		return &Outcome{Reference: ref, Status: domain.SettlementStatusSuccess, OrderID: attempt.OrderID, AlreadyPlaced: true, VerifyCount: attempt.VerifyCount}, nil
	}

	status := domain.SettlementStatusSuccess
	count := attempt.VerifyCount
	if attempt.Status == domain.SettlementStatusSuccess {
		// captured earlier, only the order is missing
		log.Info("settlement already verified, skipping gateway")
	} else {
		status = r.verify(ctx, log, ref, params.Status)
		count, err = r.ledger.RecordVerification(ctx, ref, status)
		if err != nil {
			log.Error("failed to record verification", zap.Stringer("status", status), zap.Error(err))
			count = attempt.VerifyCount + 1
		}
	}

	switch status {
	case domain.SettlementStatusSuccess:
		return r.place(ctx, log, ref, count)
	case domain.SettlementStatusFailed:
		r.markSettlementPending(ctx, log, ref)
		log.Info("payment failed, no funds captured")
		return nil, &domain.GatewayOutcomeFailedError{Reference: ref}
	default:
		r.markSettlementPending(ctx, log, ref)
		log.Info("payment outcome unresolved", zap.Stringer("status", status), zap.Int("verify_count", count))
		return nil, &domain.GatewayOutcomeUnknownError{Reference: ref, Status: status, CanRetry: count < r.maxVerify}
	}
}

// verify turns the redirect hint into an authoritative status. Confirm is
// called before any success is accepted.
func (r *Resolver) verify(ctx context.Context, log *zap.Logger, ref, hint string) domain.SettlementStatus {
	if hint == "" || domain.ParseGatewayState(hint) != domain.SettlementStatusSuccess {
		raw, err := r.gateway.Status(ctx, ref)
		if err != nil {
			log.Warn("gateway status unavailable", zap.String("hint", hint), zap.Error(err))
			return domain.SettlementStatusUnknown
		}
		st := domain.ParseGatewayState(raw)
		if hint != "" && domain.ParseGatewayState(hint) != st {
			log.Info("redirect hint overridden by status api", zap.String("hint", hint), zap.String("state", raw))
		}
		if st != domain.SettlementStatusSuccess {
			return st
		}
	}

	raw, err := r.gateway.Confirm(ctx, ref)
	if err != nil {
		log.Warn("gateway confirm unavailable", zap.Error(err))
		return domain.SettlementStatusUnknown
	}
	return domain.ParseGatewayState(raw)
}

func (r *Resolver) place(ctx context.Context, log *zap.Logger, ref string, count int) (*Outcome, error) {
	pending, err := r.snapshots.LoadPending(ctx, ref)
	if err != nil {
		log.Error("payment captured but pending checkout is missing", zap.Error(err))
		return nil, &domain.OrderSubmissionError{Reference: ref, Err: fmt.Errorf("load pending checkout: %w", err)}
	}

	res, err := r.placer.Place(ctx, order.FromPending(pending))
	if err != nil {
		return nil, err
	}
	return &Outcome{
		Reference:     ref,
		Status:        domain.SettlementStatusSuccess,
		OrderID:       res.OrderID,
		AlreadyPlaced: res.AlreadyPlaced,
		VerifyCount:   count,
	}, nil
}

func (r *Resolver) markSettlementPending(ctx context.Context, log *zap.Logger, ref string) {
	p, err := r.snapshots.LoadPending(ctx, ref)
	if err != nil {
		log.Warn("pending checkout not found after settlement", zap.Error(err))
		return
	}
	if p.Stage == domain.CheckoutStageSettlementPending || !domain.CanTransitionTo(p.Stage, domain.CheckoutStageSettlementPending) {
		return
	}
	p.Stage = domain.CheckoutStageSettlementPending
	if err := r.snapshots.SavePending(ctx, p); err != nil {
		log.Warn("failed to update checkout stage", zap.Error(err))
	}
}
