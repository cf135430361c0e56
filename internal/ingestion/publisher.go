package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"TermLedger/internal/core"
)

// Publisher pushes processed envelopes to NATS for downstream consumers.
// Subjects follow termledger.events.{event_type}.{market_id}. Publishing is
// best-effort: consumers needing completeness read the event log.
type Publisher struct {
	js     jetstream.JetStream
	input  <-chan core.Output
	logger zerolog.Logger
}

// publishedEvent is the outbound wire shape; Payload is the envelope's JSON
// payload embedded verbatim.
type publishedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	MarketID       string          `json:"market_id,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

func NewPublisher(js jetstream.JetStream, input <-chan core.Output, logger zerolog.Logger) *Publisher {
	return &Publisher{js: js, input: input, logger: logger}
}

// Run publishes until the context ends or the channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, out); err != nil {
				p.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, out core.Output) error {
	env := out.Envelope
	data, err := json.Marshal(publishedEvent{
		Sequence:       env.Sequence,
		EventType:      env.Kind.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Timestamp:      env.Timestamp.Unix(),
		Payload:        env.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal outbound event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", EventSubjectBase, env.Kind)
	if env.MarketID != "" {
		subject = fmt.Sprintf("%s.%s", subject, env.MarketID)
	}

	// Sequence as message ID gives the stream its own dedup window.
	_, err = p.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(fmt.Sprintf("%d", env.Sequence)))
	return err
}
