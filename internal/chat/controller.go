package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cchalm/codesmith/internal/ai"
	"github.com/cchalm/codesmith/internal/codestore"
	"github.com/cchalm/codesmith/internal/telemetry"
)

const (
	tracerName = "github.com/cchalm/codesmith/internal/chat"

	maxPersistErrors = 16
)

// Options tune how turns are run
type Options struct {
	Model     string
	MaxTokens int64
	// MaxHistory bounds how many prior messages are replayed to the model. Zero replays none, negative replays all
	MaxHistory    int
	StreamTimeout time.Duration
	// QueueTurns makes Submit wait for an in-flight turn instead of failing with ErrTurnInProgress
	QueueTurns bool
}

// Deps are the collaborators of a Controller. Persister and Metrics may be nil
type Deps struct {
	Backend   ai.Backend
	Slot      *codestore.Slot
	Persister *codestore.Persister
	Metrics   *telemetry.Metrics
	Logger    zerolog.Logger
}

// TurnRequest is one user instruction
type TurnRequest struct {
	Instruction string
	// History, if not nil, replaces the conversation before the turn runs
	History  ai.Conversation
	Observer Observer
}

// Controller owns one conversation and runs its turns one at a time. Each turn sends the instruction and the current
// code to the model, streams the reply into the conversation and commits the first complete code block to the slot
type Controller struct {
	sessionID string
	backend   ai.Backend
	slot      *codestore.Slot
	persister *codestore.Persister
	metrics   *telemetry.Metrics
	opts      Options
	logger    zerolog.Logger

	// turn holds a token while a turn is in flight
	turn chan struct{}

	mu           sync.Mutex
	conversation ai.Conversation
	state        State
	consumer     *ai.Consumer
	abandoned    bool
	retired      bool
	lastActive   time.Time
	persistErrs  []error
}

// NewController creates a controller with an empty conversation
func NewController(sessionID string, deps Deps, opts Options) *Controller {
	return &Controller{
		sessionID:  sessionID,
		backend:    deps.Backend,
		slot:       deps.Slot,
		persister:  deps.Persister,
		metrics:    deps.Metrics,
		opts:       opts,
		logger:     deps.Logger.With().Str("component", "chat").Str("session_id", sessionID).Logger(),
		turn:       make(chan struct{}, 1),
		lastActive: time.Now(),
	}
}

// SessionID returns the id the controller was created with
func (c *Controller) SessionID() string {
	return c.sessionID
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Conversation returns a copy of the conversation
func (c *Controller) Conversation() ai.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversation.Clone()
}

// PersistErrors returns the most recent failures to write committed code to the persistent backend. The committed
// code stays current in the slot regardless
func (c *Controller) PersistErrors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.persistErrs...)
}

// Abandon gives up on the in-flight turn, if any, at whatever stage it is in. Fragments that arrive afterwards are
// discarded and the turn fails with ai.ErrAbandoned without committing code. With no turn in flight it does nothing
func (c *Controller) Abandon() {
	c.mu.Lock()
	if len(c.turn) == 0 {
		c.mu.Unlock()
		return
	}
	c.abandoned = true
	consumer := c.consumer
	c.mu.Unlock()
	if consumer != nil {
		consumer.Abandon()
	}
}

// touch marks the controller as recently used
func (c *Controller) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
}

// retire refuses all further turns if the controller has been idle since cutoff. It reports whether it did
func (c *Controller) retire(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return true
	}
	if c.state != StateIdle || len(c.turn) > 0 || c.lastActive.After(cutoff) {
		return false
	}
	c.retired = true
	return true
}

// Submit runs one turn on the calling goroutine. A turn that fails after it was accepted returns a *TurnError along
// with a result whose outcome is OutcomeFailed; the fallback message has been appended to the conversation by then
func (c *Controller) Submit(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if req.History != nil {
		if err := req.History.Validate(); err != nil {
			return TurnResult{}, fmt.Errorf("%w: %w", ErrInvalidHistory, err)
		}
	}
	if err := c.acquire(ctx); err != nil {
		return TurnResult{}, err
	}
	defer c.release()
	if err := c.begin(); err != nil {
		return TurnResult{}, err
	}

	turnID := telemetry.NewTurnID()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("chat.session_id", c.sessionID),
		attribute.String("chat.turn_id", turnID),
	))
	defer span.End()

	logger := c.logger.With().Str("turn_id", turnID).Logger()
	logger.Info().Msg("turn started")

	start := time.Now()
	c.metrics.TurnStarted()

	result, err := c.runTurn(ctx, req, logger)
	result.TurnID = turnID

	c.metrics.TurnFinished(result.Outcome.String(), time.Since(start))
	span.SetAttributes(attribute.String("chat.outcome", result.Outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("turn failed")
		return result, err
	}
	logger.Info().
		Str("outcome", result.Outcome.String()).
		Uint64("version", result.Version).
		Dur("duration", time.Since(start)).
		Msg("turn finished")
	return result, nil
}

func (c *Controller) acquire(ctx context.Context) error {
	select {
	case c.turn <- struct{}{}:
		return nil
	default:
	}
	if !c.opts.QueueTurns {
		return ErrTurnInProgress
	}
	select {
	case c.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gave up waiting for the previous turn: %w", ctx.Err())
	}
}

// begin moves a controller holding the turn token out of Idle, unless it has been retired
func (c *Controller) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return ErrSessionRetired
	}
	c.state = StateSending
	return nil
}

func (c *Controller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.consumer = nil
	c.abandoned = false
	c.lastActive = time.Now()
	<-c.turn
}

func (c *Controller) runTurn(ctx context.Context, req TurnRequest, logger zerolog.Logger) (TurnResult, error) {
	c.mu.Lock()
	if req.History != nil {
		c.conversation = req.History.Clone()
	}
	history := c.conversation.Clone()
	c.conversation = append(c.conversation, ai.Message{Role: ai.RoleUser, Content: req.Instruction})
	c.state = StateSending
	c.mu.Unlock()

	code, _ := c.slot.Get()
	request, err := ai.BuildRequest(history, req.Instruction, code, ai.RequestOptions{
		Model:      c.opts.Model,
		MaxTokens:  c.opts.MaxTokens,
		MaxHistory: c.opts.MaxHistory,
	})
	if err != nil {
		return c.fail(TurnResult{}, StageSend, err, false)
	}

	consumer := ai.NewConsumer(c.backend, c.opts.StreamTimeout, logger)
	c.mu.Lock()
	c.conversation = append(c.conversation, ai.Message{Role: ai.RoleAssistant})
	live := len(c.conversation) - 1
	c.consumer = consumer
	c.state = StateStreaming
	if c.abandoned {
		consumer.Abandon()
	}
	c.mu.Unlock()

	var result TurnResult
	extractor := ai.NewExtractor()
	err = consumer.Consume(ctx, request, ai.Callbacks{
		OnFragment: func(text string) {
			c.metrics.Fragment()
			extracted, found := extractor.Feed(text)

			c.mu.Lock()
			c.conversation[live].Content = extractor.Text()
			c.mu.Unlock()

			if req.Observer.OnFragment != nil {
				req.Observer.OnFragment(text)
			}
			if found {
				result.Code, result.Version = c.commit(ctx, extracted, logger)
				if result.Version > 0 && req.Observer.OnCommit != nil {
					req.Observer.OnCommit(result.Code, result.Version)
				}
			}
		},
	})
	if err != nil {
		return c.fail(result, StageStream, err, true)
	}

	result.Reply = extractor.Text()
	result.Outcome = OutcomeNoCode
	if result.Version > 0 {
		result.Outcome = OutcomeCommitted
	}
	return result, nil
}

// commit makes code current and hands it to the persister. It returns a zero version if the slot rejected the code
func (c *Controller) commit(ctx context.Context, code string, logger zerolog.Logger) (string, uint64) {
	c.setState(StateCommitting)
	defer c.setState(StateStreaming)

	version, err := c.slot.Set(code)
	if err != nil {
		logger.Warn().Err(err).Msg("extracted code was not committed")
		return "", 0
	}
	c.metrics.Commit()
	logger.Info().Uint64("version", version).Int("bytes", len(code)).Msg("code committed")

	if c.persister != nil {
		c.persister.Persist(ctx, codestore.Update{Code: code, Version: version}, func(err error) {
			if err == nil {
				return
			}
			c.metrics.PersistFailed()
			logger.Error().Err(err).Uint64("version", version).Msg("failed to persist committed code")
			c.recordPersistError(err)
		})
	}
	return code, version
}

// fail replaces the live assistant message, if any, with the fallback message
func (c *Controller) fail(result TurnResult, stage Stage, err error, hasLive bool) (TurnResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateFailed
	if hasLive && len(c.conversation) > 0 {
		c.conversation = c.conversation[:len(c.conversation)-1]
	}
	c.conversation = append(c.conversation, ai.Message{Role: ai.RoleAssistant, Content: FallbackMessage})

	result.Outcome = OutcomeFailed
	result.Reply = FallbackMessage
	return result, &TurnError{Stage: stage, Err: err}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Controller) recordPersistError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persistErrs = append(c.persistErrs, err)
	if len(c.persistErrs) > maxPersistErrors {
		c.persistErrs = c.persistErrs[len(c.persistErrs)-maxPersistErrors:]
	}
}

// IsClientError reports whether err was caused by the request rather than by the model or the backends
func IsClientError(err error) bool {
	return errors.Is(err, ai.ErrEmptyInstruction) || errors.Is(err, ErrInvalidHistory)
}
