// Package mailer hands order e-mails to the external mail service. Delivery
// is fire-and-forget from the checkout core's point of view.
package mailer

import (
	"context"
	"time"

	kafkax "github.com/ariefcatur/bookstore-checkout/internal/kafka"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Notifier interface {
	SendPaidConfirmation(ctx context.Context, o *orders.Order) error
	SendDeclined(ctx context.Context, o *orders.Order) error
}

// Publisher is satisfied by kafka.Producer.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// KafkaNotifier publishes one envelope per e-mail to orders.TopicOrderEmail.
type KafkaNotifier struct {
	Producer    Publisher
	ServiceName string
	AuthorEmail string
}

var _ Notifier = (*KafkaNotifier)(nil)

func (n *KafkaNotifier) SendPaidConfirmation(ctx context.Context, o *orders.Order) error {
	if err := n.publish(o, orders.EventEmailPaidConfirmation, o.Customer.Email); err != nil {
		return err
	}
	if n.AuthorEmail == "" {
		return nil
	}
	return n.publish(o, orders.EventEmailAuthorPaid, n.AuthorEmail)
}

func (n *KafkaNotifier) SendDeclined(ctx context.Context, o *orders.Order) error {
	return n.publish(o, orders.EventEmailDeclined, o.Customer.Email)
}

func (n *KafkaNotifier) publish(o *orders.Order, eventType, to string) error {
	payload, err := kafkax.Marshal(emailPayload(o, to))
	if err != nil {
		return err
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      n.ServiceName,
		CorrelationID: o.ID,
		Payload:       payload,
	}
	value, err := kafkax.Marshal(ev)
	if err != nil {
		return err
	}
	n.Producer.Publish(orders.PartitionKey(o.ID), value,
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
	return nil
}

func emailPayload(o *orders.Order, to string) orders.EmailPayload {
	items := make([]orders.EmailItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orders.EmailItem{
			BookID:     it.BookID,
			Title:      it.Title,
			Qty:        it.Quantity,
			PriceCents: orders.ToCents(it.UnitPrice),
			ImageRef:   it.ImageRef,
		})
	}
	return orders.EmailPayload{
		OrderID:       o.ID,
		To:            to,
		CustomerName:  o.Customer.FirstName + " " + o.Customer.LastName,
		PaymentMethod: string(o.PaymentMethod),
		PaymentRef:    o.PaymentRef,
		TotalCents:    orders.ToCents(o.Total),
		ShippingCents: orders.ToCents(o.Shipping),
		Items:         items,
	}
}

// LogNotifier only records the e-mails it would send. Used when no broker is
// configured.
type LogNotifier struct {
	Logger *zap.Logger
}

var _ Notifier = (*LogNotifier)(nil)

func (n *LogNotifier) SendPaidConfirmation(_ context.Context, o *orders.Order) error {
	n.Logger.Info("email: payment confirmed",
		zap.String("order_id", o.ID), zap.String("to", o.Customer.Email))
	return nil
}

func (n *LogNotifier) SendDeclined(_ context.Context, o *orders.Order) error {
	n.Logger.Info("email: payment declined",
		zap.String("order_id", o.ID), zap.String("to", o.Customer.Email))
	return nil
}
