// Package settings resolves server-configured checkout policy, currently the
// cash-on-delivery upfront deposit.
package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/ticket_checkout/internal/state"
	"github.com/fjod/ticket_checkout/pkg/logger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var ErrDepositUnavailable = errors.New("cod deposit could not be fetched")

type DepositSource string

const (
	DepositFromSettings DepositSource = "SETTINGS"
	DepositLastKnown    DepositSource = "LAST_KNOWN"
	DepositFallback     DepositSource = "FALLBACK"
)

type Deposit struct {
	Amount decimal.Decimal `json:"amount"`
	Source DepositSource   `json:"source"`
}

type SettingsBackend interface {
	CODUpfrontAmount(ctx context.Context) (decimal.Decimal, error)
}

type DepositStore interface {
	SaveDeposit(ctx context.Context, amount decimal.Decimal) error
	LastDeposit(ctx context.Context) (decimal.Decimal, error)
}

type DepositProvider struct {
	backend  SettingsBackend
	store    DepositStore
	fallback decimal.Decimal
	strict   bool
	log      *zap.Logger
	sfg      singleflight.Group
}

func NewDepositProvider(backend SettingsBackend, store DepositStore, fallback decimal.Decimal, strict bool, log *zap.Logger) *DepositProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &DepositProvider{
		backend:  backend,
		store:    store,
		fallback: fallback,
		strict:   strict,
		log:      log,
	}
}

// Current returns the deposit from the settings backend. When the backend is
// unreachable it uses the last known value and then the fallback constant,
// unless the provider is strict.
func (p *DepositProvider) Current(ctx context.Context) (Deposit, error) {
	v, err, _ := p.sfg.Do("cod-deposit", func() (interface{}, error) {
		amount, err := p.backend.CODUpfrontAmount(ctx)
		if err == nil && !amount.IsNegative() {
			if errSave := p.store.SaveDeposit(ctx, amount); errSave != nil {
				logger.FromContext(ctx, p.log).Warn("save last known deposit failed", zap.Error(errSave))
			}
			return Deposit{Amount: amount, Source: DepositFromSettings}, nil
		}
		if err == nil {
			err = fmt.Errorf("negative deposit %s", amount)
		}
		return p.degrade(ctx, err)
	})
	if err != nil {
		return Deposit{}, err
	}
	return v.(Deposit), nil
}

func (p *DepositProvider) degrade(ctx context.Context, cause error) (Deposit, error) {
	log := logger.FromContext(ctx, p.log)
	if p.strict {
		log.Error("cod deposit fetch failed, blocking checkout", zap.Error(cause))
		return Deposit{}, fmt.Errorf("%w: %w", ErrDepositUnavailable, cause)
	}

	last, err := p.store.LastDeposit(ctx)
	if err == nil {
		log.Warn("cod deposit fetch failed, using last known value",
			zap.Error(cause), zap.String("amount", last.String()))
		return Deposit{Amount: last, Source: DepositLastKnown}, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		log.Warn("read last known deposit failed", zap.Error(err))
	}

	log.Warn("cod deposit fetch failed, using fallback",
		zap.Error(cause), zap.String("amount", p.fallback.String()))
	return Deposit{Amount: p.fallback, Source: DepositFallback}, nil
}
