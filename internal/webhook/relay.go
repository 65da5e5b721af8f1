package webhook

import (
	"context"
	"fmt"
	"time"

	kafkax "github.com/ariefcatur/bookstore-checkout/internal/kafka"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is satisfied by kafka.Producer.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Relay hands raw callbacks to orders.TopicPaymentWebhook so the HTTP
// intake can answer before the reconciler runs.
type Relay struct {
	Producer    Publisher
	ServiceName string
}

func (r *Relay) Enqueue(_ context.Context, source string, body []byte) error {
	payload, err := kafkax.Marshal(orders.WebhookPayload{Source: source, RawBody: body})
	if err != nil {
		return err
	}
	ev := orders.Envelope{
		EventID:      uuid.NewString(),
		EventType:    orders.EventWebhookReceived,
		EventVersion: 1,
		OccurredAt:   time.Now().UTC(),
		Producer:     r.ServiceName,
		Payload:      payload,
	}
	// Keep every callback of one charge on one partition.
	key := []byte(ev.EventID)
	if notes, err := Extract(body); err == nil && len(notes) > 0 {
		key = []byte(notes[0].Ref)
		ev.CorrelationID = notes[0].Ref
	}
	value, err := kafkax.Marshal(ev)
	if err != nil {
		return err
	}
	r.Producer.Publish(key, value,
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventWebhookReceived)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
	return nil
}

// Handler returns the consumer side of the relay.
func (s *Service) Handler() kafkax.Handler {
	return func(ctx context.Context, m kafkago.Message) error {
		ev, err := kafkax.UnwrapPayload[orders.Envelope](m.Value)
		if err != nil {
			s.log.Warn("webhook relay: bad envelope", zap.Int64("offset", m.Offset), zap.Error(err))
			return nil
		}
		if ev.EventType != orders.EventWebhookReceived {
			return nil
		}
		p, err := kafkax.UnwrapPayload[orders.WebhookPayload](ev.Payload)
		if err != nil {
			s.log.Warn("webhook relay: bad payload", zap.String("event_id", ev.EventID), zap.Error(err))
			return nil
		}
		if _, err := s.Ingest(ctx, p.Source, p.RawBody); err != nil {
			return fmt.Errorf("ingest relayed webhook %s: %w", ev.EventID, err)
		}
		return nil
	}
}
