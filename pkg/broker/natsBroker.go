package broker

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/order-saga/pkg/config"
	"github.com/zoff-tech/order-saga/pkg/logging"
)

const (
	natsHandlerAttempts = 3
	natsFlushTimeout    = 5 * time.Second
)

type NatsBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

var NewNatsBroker NatsBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	if settings.Topic == "" {
		return nil, errors.New("topic (subject prefix) is required for nats")
	}
	nc, err := connectNats(settings.URL)
	if err != nil {
		return nil, err
	}
	return &natsBroker{conn: nc, prefix: settings.Topic}, nil
}

func connectNats(url string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, deliveryError("connect to NATS", err)
	}
	return nc, nil
}

// natsBroker publishes order events on <prefix>.<event type>.
type natsBroker struct {
	conn   *nats.Conn
	prefix string
}

func (n *natsBroker) Publish(ctx context.Context, msg Message) error {
	return n.publish(ctx, natsSubject(n.prefix, msg.Type), msg)
}

func (n *natsBroker) PublishTo(ctx context.Context, destination string, msg Message) error {
	return n.publish(ctx, destination, msg)
}

func natsSubject(prefix, eventType string) string {
	return prefix + "." + eventType
}

func (n *natsBroker) publish(ctx context.Context, subject string, msg Message) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("nats"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(subject),
			semconv.MessagingMessageIDKey.String(msg.ID),
		),
	)
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := n.conn.PublishMsg(natsMessage(ctx, subject, msg)); err != nil {
		return deliveryError("publish "+msg.ID, err)
	}
	// flush so a dropped connection is reported to the relay instead of losing the event
	if err := n.conn.FlushTimeout(natsFlushTimeout); err != nil {
		return deliveryError("flush "+msg.ID, err)
	}
	return nil
}

func natsMessage(ctx context.Context, subject string, msg Message) *nats.Msg {
	header := nats.Header{}
	for k, v := range withTraceHeaders(ctx, msg.Headers) {
		// keys are stored verbatim; header names are lower case
		header[k] = []string{v}
	}
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: header}
}

func messageFromNats(m *nats.Msg) Message {
	headers := make(map[string]string, len(m.Header))
	for k, values := range m.Header {
		if len(values) > 0 {
			headers[k] = values[0]
		}
	}
	return messageFromHeaders(m.Data, headers)
}

func (n *natsBroker) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

// natsSubscriber joins a queue group on every consumer subject. Core NATS has no redelivery, so
// a failing handler is retried in process before the message is dropped with an error log.
type natsSubscriber struct {
	conn     *nats.Conn
	subjects []string
	queue    string
	delay    time.Duration
}

func NewNatsSubscriber(settings *config.BrokerSettings, consumer config.ConsumerSettings) (Subscriber, error) {
	if len(consumer.Topics) == 0 {
		return nil, errors.New("consumer topics (subjects) are required for nats")
	}
	nc, err := connectNats(settings.URL)
	if err != nil {
		return nil, err
	}
	return &natsSubscriber{conn: nc, subjects: consumer.Topics, queue: consumer.Queue, delay: time.Second}, nil
}

func (s *natsSubscriber) Subscribe(ctx context.Context, handler Handler) error {
	var subs []*nats.Subscription
	for _, subject := range s.subjects {
		sub, err := s.conn.QueueSubscribe(subject, s.queue, func(m *nats.Msg) {
			s.handle(ctx, m, handler)
		})
		if err != nil {
			for _, sub := range subs {
				_ = sub.Unsubscribe()
			}
			return deliveryError("subscribe "+subject, err)
		}
		subs = append(subs, sub)
	}

	<-ctx.Done()
	for _, sub := range subs {
		_ = sub.Drain()
	}
	return nil
}

func (s *natsSubscriber) handle(ctx context.Context, m *nats.Msg, handler Handler) {
	msg := messageFromNats(m)
	for attempt := 1; ; attempt++ {
		ctx, span := otel.Tracer(tracerName).Start(extractTrace(ctx, msg.Headers), "Consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				semconv.MessagingSystemKey.String("nats"),
				semconv.MessagingDestinationKey.String(m.Subject),
				semconv.MessagingMessageIDKey.String(msg.ID),
			),
		)
		err := handler(ctx, msg)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		if err == nil {
			return
		}
		if attempt >= natsHandlerAttempts || ctx.Err() != nil {
			log.Error().Err(err).
				Str(logging.FieldEventID, msg.ID).
				Str("subject", m.Subject).
				Msg("dropping NATS message after failed attempts")
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(s.delay):
		}
	}
}

func (s *natsSubscriber) Close() error {
	s.conn.Close()
	return nil
}
