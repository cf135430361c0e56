package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"TermLedger/internal/core"
	"TermLedger/internal/observability"
)

// PriceSubscriber consumes the oracle price stream and routes updates into
// the engine's command loop, so price mutations serialize with ledger ops.
type PriceSubscriber struct {
	js       jetstream.JetStream
	engine   *core.Engine
	metrics  *observability.Metrics
	logger   zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewPriceSubscriber(js jetstream.JetStream, engine *core.Engine, metrics *observability.Metrics, logger zerolog.Logger) *PriceSubscriber {
	return &PriceSubscriber{js: js, engine: engine, metrics: metrics, logger: logger}
}

// Subscribe creates the durable price consumer. Explicit ACK; a malformed
// message is terminated rather than redelivered, a rejected command is NAKed.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PriceStreamName, jetstream.ConsumerConfig{
		Durable:       "termledger-prices",
		FilterSubject: PriceSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create price consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ps.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume prices: %w", err)
	}
	ps.consumer = cc
	ps.logger.Info().Str("subject", PriceSubjects).Msg("subscribed to price stream")
	return nil
}

func (ps *PriceSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	cmd, err := ParsePriceMessage(msg.Data())
	if err != nil {
		if ps.metrics != nil {
			ps.metrics.PricesRejected.WithLabelValues("unknown", "parse").Inc()
		}
		ps.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed price message")
		msg.Term()
		return
	}
	op := cmd.Op.(*core.PriceUpdateOp)

	res, err := ps.engine.Submit(ctx, cmd)
	if err != nil {
		msg.Nak()
		return
	}
	if res.Err != nil {
		if ps.metrics != nil {
			ps.metrics.PricesRejected.WithLabelValues(op.Market, "rejected").Inc()
		}
		ps.logger.Warn().Err(res.Err).Str("market", op.Market).Msg("price update rejected")
		msg.Term()
		return
	}
	if ps.metrics != nil {
		ps.metrics.PricesApplied.WithLabelValues(op.Market).Inc()
	}
	msg.Ack()
}

// Stop gracefully stops the consumer.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
}
