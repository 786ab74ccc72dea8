// Package chat runs conversational code-editing turns against the current code artifact.
package chat

import (
	"errors"
	"fmt"
)

// FallbackMessage is appended to the conversation in place of the model's reply when a turn fails
const FallbackMessage = "Sorry, I couldn't process your request."

var (
	// ErrTurnInProgress is returned when a turn is submitted while another one is still running
	ErrTurnInProgress = errors.New("a turn is already in progress")
	// ErrInvalidHistory is returned when a submitted history contains unknown roles
	ErrInvalidHistory = errors.New("invalid conversation history")
	// ErrSessionRetired is returned by a controller its registry has dropped. Registry.Submit retries on a fresh one
	ErrSessionRetired = errors.New("session was retired")
)

// State is the controller's position in the turn lifecycle
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateCommitting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCommitting:
		return "committing"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is how a turn ended
type Outcome int

const (
	// OutcomeCommitted means the reply contained a code block which became the current code
	OutcomeCommitted Outcome = iota
	// OutcomeNoCode means the reply completed without a code block; the current code is unchanged
	OutcomeNoCode
	// OutcomeFailed means the turn failed and the fallback message was appended
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeNoCode:
		return "no_code"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Stage names the part of a turn that failed
type Stage string

const (
	StageSend   Stage = "send"
	StageStream Stage = "stream"
)

// TurnError is returned by Submit when a turn fails after it was accepted
type TurnError struct {
	Stage Stage
	Err   error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed during %s: %v", e.Stage, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

// Observer receives the progress of one turn on the submitting goroutine. Nil funcs are skipped
type Observer struct {
	// OnFragment is called with each fragment of the reply, in order
	OnFragment func(text string)
	// OnCommit is called once if the reply's code block was committed
	OnCommit func(code string, version uint64)
}

// TurnResult describes a finished turn
type TurnResult struct {
	TurnID  string
	Outcome Outcome
	// Reply is the assistant message appended to the conversation
	Reply string
	// Code and Version are set when a code block was committed, even if the turn later failed
	Code    string
	Version uint64
}
