package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	sdkerrors "github.com/shelfwise/itemchecks/pkg/errors"
)

// JetStreamPublisher implements Publisher over a NATS JetStream context.
type JetStreamPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewJetStreamPublisher creates a publisher over an initialized JetStream
// context.
func NewJetStreamPublisher(js nats.JetStreamContext, logger *zap.Logger) (*JetStreamPublisher, error) {
	if js == nil {
		return nil, errors.New("jetstream context is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &JetStreamPublisher{js: js, logger: logger}, nil
}

// Publish sends one message to the given subject with at-least-once
// semantics. Failures wrap errors.ErrSinkUnavailable.
func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if _, err := p.js.Publish(subject, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%w: publish to %s: %w", sdkerrors.ErrSinkUnavailable, subject, err)
	}
	p.logger.Debug("Published outbound message",
		zap.String("subject", subject),
		zap.Int("size_bytes", len(payload)))
	return nil
}
