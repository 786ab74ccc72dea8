package ai

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/cchalm/codesmith/internal/ai"

var (
	// ErrStreamTimeout means the model did not finish within the configured stream timeout
	ErrStreamTimeout = errors.New("model stream timed out")
	// ErrAbandoned means the turn gave up on the stream before it finished
	ErrAbandoned = errors.New("stream abandoned")
)

// FragmentStream is an in-progress model response. Next blocks until the next text fragment is available and returns
// false at the end of the stream or on error, after which Err reports what happened
type FragmentStream interface {
	Next() bool
	Current() string
	Err() error
	Close() error
}

// Backend is the language model collaborator
type Backend interface {
	StreamMessage(ctx context.Context, req Request) (FragmentStream, error)
	DescribeImage(ctx context.Context, req ImageRequest) (string, error)
}

// Callbacks receive the events of one stream. OnFragment is called once per fragment in arrival order and never
// concurrently. Exactly one of OnComplete or OnError is called, last. Nil callbacks are skipped
type Callbacks struct {
	OnFragment func(text string)
	OnComplete func()
	OnError    func(err error)
}

// Consumer drives a single streaming call
type Consumer struct {
	backend Backend
	timeout time.Duration
	logger  zerolog.Logger

	abandoned atomic.Bool
	cancel    atomic.Pointer[context.CancelFunc]
}

// NewConsumer creates a Consumer for one stream. A zero timeout means the stream may run as long as the backend allows
func NewConsumer(backend Backend, timeout time.Duration, logger zerolog.Logger) *Consumer {
	return &Consumer{
		backend: backend,
		timeout: timeout,
		logger:  logger,
	}
}

// Abandon stops delivery of further fragments. The stream is closed and reported through OnError with ErrAbandoned.
// Abandon may be called from any goroutine
func (c *Consumer) Abandon() {
	c.abandoned.Store(true)
	if cancel := c.cancel.Load(); cancel != nil {
		(*cancel)()
	}
}

// Consume runs the stream to its end, invoking cb along the way, and returns the same error passed to OnError (nil on
// completion)
func (c *Consumer) Consume(ctx context.Context, req Request, cb Callbacks) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ai.stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("ai.model", req.Model),
		attribute.Int("ai.turns", len(req.Turns)),
	)

	var cancel context.CancelFunc
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	c.cancel.Store(&cancel)

	var fragments int
	defer func() {
		span.SetAttributes(attribute.Int("ai.fragments", fragments))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return
		}
		if cb.OnComplete != nil {
			cb.OnComplete()
		}
	}()

	if c.abandoned.Load() {
		return ErrAbandoned
	}

	stream, err := c.backend.StreamMessage(ctx, req)
	if err != nil {
		return c.classify(ctx, fmt.Errorf("failed to start stream: %w", err))
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("error closing model stream")
		}
	}()

	for stream.Next() {
		if c.abandoned.Load() {
			return ErrAbandoned
		}
		text := stream.Current()
		if text == "" {
			continue
		}
		fragments++
		if cb.OnFragment != nil {
			cb.OnFragment(text)
		}
	}
	if c.abandoned.Load() {
		return ErrAbandoned
	}
	if err := stream.Err(); err != nil {
		return c.classify(ctx, fmt.Errorf("failed to stream response: %w", err))
	}
	if err := ctx.Err(); err != nil {
		// The backend ended the stream cleanly but only because the context was done
		return c.classify(ctx, err)
	}

	c.logger.Debug().Int("fragments", fragments).Msg("model stream complete")
	return nil
}

// classify maps context expiry onto the stream sentinels
func (c *Consumer) classify(ctx context.Context, err error) error {
	switch {
	case c.abandoned.Load():
		return ErrAbandoned
	case c.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %w", ErrStreamTimeout, c.timeout, err)
	}
	return err
}
