package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/metrics"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}
	topic   string
	log     *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func NewProducer(brokers []string, topic string, buf int, log *zap.Logger) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
		topic:   topic,
		log:     log.With(zap.String("topic", topic)),
	}
}

// Start runs the write loop until Close is called or ctx is done; pending
// messages are flushed either way.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for {
			select {
			case <-ctx.Done():
				p.drain()
				return
			case m, ok := <-p.inbox:
				if !ok {
					p.flushClose()
					return
				}
				p.write(m)
			}
		}
	}()
}

func (p *Producer) drain() {
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		default:
			p.flushClose()
			return
		}
	}
}

func (p *Producer) flushClose() {
	if err := p.w.Close(); err != nil {
		p.log.Warn("kafka writer close", zap.Error(err))
	}
}

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		p.log.Warn("kafka write failed", zap.ByteString("key", m.Key), zap.Error(err))
	}
}

// Publish enqueues a message without blocking. Messages are dropped when the
// inbox is full, after Close, or once the write loop has stopped.
func (p *Producer) Publish(key, value []byte, headers ...kafka.Header) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.drop(key, "closed")
		return
	}
	m := kafka.Message{
		Key:     key,
		Value:   value,
		Time:    time.Now(),
		Headers: headers,
	}
	select {
	case <-p.closeCh:
		p.drop(key, "stopped")
		return
	default:
	}
	select {
	case p.inbox <- m:
	default:
		p.drop(key, "inbox_full")
	}
}

func (p *Producer) drop(key []byte, reason string) {
	metrics.KafkaMessagesDroppedTotal.WithLabelValues(p.topic, reason).Inc()
	p.log.Warn("kafka message dropped", zap.ByteString("key", key), zap.String("reason", reason))
}

// Close the inbox so the loop flushes what is left and exits.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.inbox)
}

// WaitClosed blocks until the loop has exited.
func (p *Producer) WaitClosed() { <-p.closeCh }
