// Package webhook turns raw provider callbacks into reconciler calls. Every
// body is audited before anything else happens; unreadable bodies are
// acknowledged and dropped so the provider stops redelivering them.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/gateway"
	"github.com/ariefcatur/bookstore-checkout/internal/metrics"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Auditor appends webhook events; rows are never updated.
type Auditor interface {
	Record(ctx context.Context, ev orders.WebhookEvent) error
}

// Deduper is satisfied by redisx.Dedup.
type Deduper interface {
	First(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Reconciler is satisfied by payment.Reconciler.
type Reconciler interface {
	MarkPaidIfNeeded(ctx context.Context, ref string, status gateway.Status) (bool, error)
}

type Result struct {
	Notifications int  `json:"notifications"`
	Applied       int  `json:"applied"`
	Duplicates    int  `json:"duplicates"`
	Ignored       bool `json:"ignored"`
}

type Service struct {
	audit Auditor
	dedup Deduper
	rec   Reconciler
	log   *zap.Logger
	now   func() time.Time
}

// NewService builds the intake. dedup may be nil.
func NewService(audit Auditor, dedup Deduper, rec Reconciler, log *zap.Logger) *Service {
	return &Service{audit: audit, dedup: dedup, rec: rec, log: log, now: time.Now}
}

// Ingest audits body and applies every notification it carries. An error
// means the callback should be redelivered.
func (s *Service) Ingest(ctx context.Context, source string, body []byte) (Result, error) {
	var res Result
	notes, err := Extract(body)
	if err != nil {
		s.record(ctx, "", "", body)
		metrics.WebhooksTotal.WithLabelValues("invalid").Inc()
		s.log.Warn("webhook ignored", zap.String("source", source), zap.Error(err))
		res.Ignored = true
		return res, nil
	}

	res.Notifications = len(notes)
	for _, n := range notes {
		s.record(ctx, n.Ref, n.Status, body)

		applied, dup, err := s.apply(ctx, n)
		if err != nil {
			metrics.WebhooksTotal.WithLabelValues("error").Inc()
			return res, fmt.Errorf("webhook %s: %w", n.Ref, err)
		}
		switch {
		case dup:
			res.Duplicates++
			metrics.WebhooksTotal.WithLabelValues("duplicate").Inc()
		case applied:
			res.Applied++
			metrics.WebhooksTotal.WithLabelValues("applied").Inc()
		default:
			metrics.WebhooksTotal.WithLabelValues("noop").Inc()
		}
		s.log.Info("webhook processed", zap.String("source", source), zap.String("payment_ref", n.Ref),
			zap.String("status", n.Status), zap.Bool("applied", applied), zap.Bool("duplicate", dup))
	}
	return res, nil
}

func (s *Service) apply(ctx context.Context, n Notification) (applied, dup bool, err error) {
	status := gateway.ParseStatus(n.Status)
	if !status.Terminal() {
		return false, false, nil
	}

	key := n.Ref + ":" + status.String()
	if s.dedup != nil {
		first, err := s.dedup.First(ctx, key)
		if err != nil {
			s.log.Warn("webhook dedup unavailable", zap.String("payment_ref", n.Ref), zap.Error(err))
		} else if !first {
			return false, true, nil
		}
	}

	applied, err = s.rec.MarkPaidIfNeeded(ctx, n.Ref, status)
	if err != nil && s.dedup != nil {
		if ferr := s.dedup.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}
	return applied, false, err
}

func (s *Service) record(ctx context.Context, ref, status string, body []byte) {
	ev := orders.WebhookEvent{
		ID:         uuid.NewString(),
		PaymentRef: ref,
		Status:     status,
		RawBody:    body,
		ReceivedAt: s.now().UTC(),
	}
	if err := s.audit.Record(ctx, ev); err != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues("webhook_audit").Inc()
		s.log.Warn("webhook audit failed", zap.String("payment_ref", ref), zap.Error(err))
	}
}
