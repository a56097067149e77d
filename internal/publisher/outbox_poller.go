// Package publisher drains the settlement outbox into Kafka and reports
// settlements that were captured but never turned into an order.
package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fjod/ticket_checkout/domain"
	r "github.com/fjod/ticket_checkout/internal/repository"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const DefaultTopic = "checkout-settlements"

type Store interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*r.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
	GetOrphanedAttempts(ctx context.Context, olderThan time.Duration) ([]*domain.SettlementAttempt, error)
	ReportOrphanedAttempt(ctx context.Context, reference string, payload []byte) (bool, error)
}

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Options struct {
	Topic       string
	EventTick   time.Duration
	OrphanTick  time.Duration
	OrphanAfter time.Duration
	BatchSize   int
}

func DefaultOptions() Options {
	return Options{
		Topic:       DefaultTopic,
		EventTick:   time.Second,
		OrphanTick:  time.Minute,
		OrphanAfter: 15 * time.Minute,
		BatchSize:   100,
	}
}

type OutboxPoller struct {
	opts   Options
	repo   Store
	writer MessageWriter
	log    *zap.Logger
}

func NewOutboxPoller(repo Store, opts Options, log *zap.Logger, brokers ...string) *OutboxPoller {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  opts.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
	}
	return newPoller(repo, w, opts, log)
}

func newPoller(repo Store, w MessageWriter, opts Options, log *zap.Logger) *OutboxPoller {
	def := DefaultOptions()
	if opts.EventTick <= 0 {
		opts.EventTick = def.EventTick
	}
	if opts.OrphanTick <= 0 {
		opts.OrphanTick = def.OrphanTick
	}
	if opts.OrphanAfter <= 0 {
		opts.OrphanAfter = def.OrphanAfter
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OutboxPoller{opts: opts, repo: repo, writer: w, log: log.Named("outbox")}
}

// Run blocks until ctx is cancelled.
func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.opts.EventTick)
	orphanTicker := time.NewTicker(p.opts.OrphanTick)
	defer eventTicker.Stop()
	defer orphanTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-orphanTicker.C:
			p.reportOrphanedSettlements(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}

func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) {
	events, err := p.repo.GetUnprocessedEvents(ctx, p.opts.BatchSize)
	if err != nil {
		p.log.Warn("failed to fetch outbox events", zap.Error(err))
		return
	}

	for _, event := range events {
		if err := p.publishToKafka(ctx, event); err != nil {
			// later events keep their order behind this one
			p.log.Warn("failed to publish outbox event",
				zap.Int64("event_id", event.ID),
				zap.String("event_type", event.EventType),
				zap.Error(err))
			return
		}

		if err := p.repo.MarkEventAsProcessed(ctx, event.ID); err != nil {
			p.log.Warn("failed to mark outbox event as processed",
				zap.Int64("event_id", event.ID),
				zap.Error(err))
			return
		}
	}
}

type orphanPayload struct {
	Reference    string    `json:"reference"`
	SessionID    string    `json:"session_id"`
	Identity     string    `json:"identity,omitempty"`
	Method       string    `json:"payment_method"`
	AmountDueNow string    `json:"amount_due_now"`
	VerifyCount  int       `json:"verify_count"`
	CapturedAt   time.Time `json:"captured_at"`
}

// reportOrphanedSettlements flags attempts whose funds were captured but no
// order was ever placed. It never places orders itself.
func (p *OutboxPoller) reportOrphanedSettlements(ctx context.Context) {
	attempts, err := p.repo.GetOrphanedAttempts(ctx, p.opts.OrphanAfter)
	if err != nil {
		p.log.Warn("failed to get orphaned settlements", zap.Error(err))
		return
	}

	for _, a := range attempts {
		payload, err := json.Marshal(orphanPayload{
			Reference:    a.GatewayReferenceID,
			SessionID:    a.SessionID,
			Identity:     a.Identity,
			Method:       string(a.PaymentMethod),
			AmountDueNow: a.AmountDueNow.StringFixed(2),
			VerifyCount:  a.VerifyCount,
			CapturedAt:   a.UpdatedAt,
		})
		if err != nil {
			p.log.Warn("failed to marshal orphan payload", zap.String("reference", a.GatewayReferenceID), zap.Error(err))
			continue
		}

		reported, err := p.repo.ReportOrphanedAttempt(ctx, a.GatewayReferenceID, payload)
		if err != nil {
			p.log.Warn("failed to report orphaned settlement", zap.String("reference", a.GatewayReferenceID), zap.Error(err))
			continue
		}
		if reported {
			p.log.Error("settlement captured without an order",
				zap.String("reference", a.GatewayReferenceID),
				zap.String("session_id", a.SessionID),
				zap.String("amount_due_now", a.AmountDueNow.StringFixed(2)))
		}
	}
}

func (p *OutboxPoller) publishToKafka(ctx context.Context, event *r.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateId),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
		Time: event.CreatedAt,
	}

	return p.writer.WriteMessages(ctx, msg)
}
