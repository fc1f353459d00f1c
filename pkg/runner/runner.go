// Package runner provides the concurrent message pump over NATS JetStream.
// It pulls inbound work item messages in batches, distributes them to worker
// goroutines, and applies the acknowledgement policy that implements the
// error taxonomy: malformed and configuration errors are terminated
// (dead-lettered), retryable failures are nak'd for redelivery.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	sdkerrors "github.com/shelfwise/itemchecks/pkg/errors"
	"github.com/shelfwise/itemchecks/pkg/model"
	"github.com/shelfwise/itemchecks/pkg/orchestrator"
)

// Config holds the runner settings.
type Config struct {
	Stream       string
	Consumer     string
	FetchSubject string
	BatchSize    int
	NumWorkers   int

	// ProcessTimeout bounds a single invocation end to end.
	ProcessTimeout time.Duration
}

// ackAction is the acknowledgement a finished delivery receives.
type ackAction int

const (
	ackMessage ackAction = iota
	nakMessage
	termMessage
)

// ackFor maps a processing result onto the acknowledgement policy: success
// is acknowledged, retryable failures are nak'd for redelivery, every other
// failure (malformed input, configuration errors) is dead-lettered.
func ackFor(err error) ackAction {
	switch {
	case err == nil:
		return ackMessage
	case sdkerrors.IsRetryable(err):
		return nakMessage
	default:
		return termMessage
	}
}

// Runner manages concurrent work item processing from a JetStream pull
// consumer.
type Runner struct {
	js      nats.JetStreamContext
	service *orchestrator.Service
	cfg     Config
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewRunner creates a runner over an initialized JetStream context. The
// stream is created if it does not exist.
func NewRunner(js nats.JetStreamContext, service *orchestrator.Service, cfg Config, logger *zap.Logger) (*Runner, error) {
	if js == nil {
		return nil, errors.New("jetstream context is required")
	}
	if service == nil {
		return nil, errors.New("orchestrator service is required")
	}
	if cfg.Stream == "" || cfg.Consumer == "" || cfg.FetchSubject == "" {
		return nil, errors.New("stream, consumer and fetch subject are required")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("batch size must be greater than 0")
	}
	if cfg.NumWorkers <= 0 {
		return nil, errors.New("number of workers must be greater than 0")
	}
	if cfg.ProcessTimeout <= 0 {
		return nil, errors.New("process timeout must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	if err := ensureStream(js, cfg.Stream, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure stream %q exists: %w", cfg.Stream, err)
	}

	return &Runner{
		js:      js,
		service: service,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("itemchecks/runner"),
	}, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func ensureStream(js nats.JetStreamContext, streamName string, logger *zap.Logger) error {
	info, err := js.StreamInfo(streamName)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info for %q: %w", streamName, err)
		}
		logger.Info("Creating JetStream stream", zap.String("stream", streamName))
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{fmt.Sprintf("%s.*", streamName)},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
			Replicas: 1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %q: %w", streamName, err)
		}
		return nil
	}

	logger.Info("JetStream stream already exists",
		zap.String("stream", streamName),
		zap.Uint64("messages", info.State.Msgs),
		zap.Int("consumers", info.State.Consumers))
	return nil
}

// Run starts the message pump. It spawns worker goroutines and pulls
// batches from the configured consumer until the context is cancelled and
// all workers have drained.
func (r *Runner) Run(ctx context.Context) error {
	sub, err := r.js.PullSubscribe(r.cfg.FetchSubject, r.cfg.Consumer,
		nats.BindStream(r.cfg.Stream))
	if err != nil {
		return fmt.Errorf("failed to create pull subscription: %w", err)
	}

	messageChan := make(chan *nats.Msg, r.cfg.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, messageChan)
		}(i)
	}

	go func() {
		defer close(messageChan)

		backoffDelay := 100 * time.Millisecond
		maxBackoff := 5 * time.Second

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Shutting down message pump")
				return
			default:
				msgs, err := sub.Fetch(r.cfg.BatchSize, nats.MaxWait(2*time.Second))
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					if errors.Is(err, nats.ErrTimeout) {
						// No messages available
						continue
					}
					r.logger.Error("Error pulling messages", zap.Error(err))
					time.Sleep(backoffDelay)
					if backoffDelay < maxBackoff {
						backoffDelay *= 2
					}
					continue
				}

				backoffDelay = 100 * time.Millisecond

				for _, msg := range msgs {
					select {
					case messageChan <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		r.logger.Info("Runner completed")
		return nil
	case <-ctx.Done():
		wg.Wait()
		r.logger.Info("Runner stopped due to context cancellation")
		return ctx.Err()
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, messageChan <-chan *nats.Msg) {
	r.logger.Info("Worker started", zap.Int("worker_id", workerID))
	defer r.logger.Info("Worker stopped", zap.Int("worker_id", workerID))

	for {
		select {
		case msg, ok := <-messageChan:
			if !ok {
				return
			}
			r.processMessage(ctx, workerID, msg)
		case <-ctx.Done():
			return
		}
	}
}

// processMessage handles one delivery end to end, including the
// acknowledgement decision.
func (r *Runner) processMessage(ctx context.Context, workerID int, msg *nats.Msg) {
	ctx, span := r.tracer.Start(ctx, "runner.processMessage",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("stream", r.cfg.Stream),
			attribute.String("consumer", r.cfg.Consumer),
		))
	defer span.End()

	work, err := model.ParseWorkItem(msg.Data)
	if err != nil {
		// Malformed input is dead-lettered without a processing attempt.
		r.logger.Error("Rejecting malformed work item message",
			zap.Int("worker_id", workerID),
			zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.finish(msg, ackFor(err), err)
		return
	}

	span.SetAttributes(
		attribute.String("work.barcode", work.Barcode),
		attribute.String("work.institution", work.InstitutionCode),
		attribute.String("work.process_type", string(work.ProcessType)),
	)

	processCtx, cancel := context.WithTimeout(ctx, r.cfg.ProcessTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := r.service.Process(processCtx, work)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int64("processing.duration_ms", elapsed.Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("Error processing work item",
			zap.Int("worker_id", workerID),
			zap.String("barcode", work.Barcode),
			zap.String("institution", work.InstitutionCode),
			zap.Duration("processing_time", elapsed),
			zap.Error(err))

		r.finish(msg, ackFor(err), err)
		return
	}

	span.SetStatus(codes.Ok, "work item processed")
	r.logger.Info("Processed work item",
		zap.Int("worker_id", workerID),
		zap.String("barcode", work.Barcode),
		zap.String("institution", work.InstitutionCode),
		zap.String("classification", string(outcome.Classification)),
		zap.Duration("processing_time", elapsed))

	r.finish(msg, ackMessage, nil)
}

// finish applies the acknowledgement decision to a delivery. Terminated
// messages are dead-lettered and the terminal failure is reported for
// operator attention.
func (r *Runner) finish(msg *nats.Msg, action ackAction, cause error) {
	switch action {
	case nakMessage:
		if nakErr := msg.Nak(); nakErr != nil {
			r.logger.Error("Error naking message", zap.Error(nakErr))
		}
	case termMessage:
		sentry.CaptureException(cause)
		if termErr := msg.Term(); termErr != nil {
			r.logger.Error("Error terminating message", zap.Error(termErr))
		}
	default:
		if ackErr := msg.Ack(); ackErr != nil {
			r.logger.Error("Error acking message", zap.Error(ackErr))
		}
	}
}
