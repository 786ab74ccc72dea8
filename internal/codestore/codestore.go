// Package codestore holds the current code artifact and the backends that persist it.
package codestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrNotFound means nothing has been stored yet
	ErrNotFound = errors.New("no saved code found")
	// ErrEmptyCode is returned when asked to store empty or whitespace-only code
	ErrEmptyCode = errors.New("code is empty")
)

// Durability describes what survives a restart for a given backend
type Durability int

const (
	// Ephemeral values live only as long as the backend value itself
	Ephemeral Durability = iota
	// Process values live as long as the process
	Process
	// Durable values survive process restarts
	Durable
)

func (d Durability) String() string {
	switch d {
	case Ephemeral:
		return "ephemeral"
	case Process:
		return "process"
	case Durable:
		return "durable"
	}
	return fmt.Sprintf("Durability(%d)", int(d))
}

// Backend persists the single code artifact
type Backend interface {
	// Load returns the stored code, or ErrNotFound if nothing is stored
	Load(ctx context.Context) (string, error)
	// Save replaces the stored code
	Save(ctx context.Context, code string) error
	Durability() Durability
}

// Update is a committed value of a Slot
type Update struct {
	Code    string
	Version uint64
}

// Slot is the in-memory current code artifact. It is safe for concurrent use: one writer commits complete values and
// any number of readers observe them
type Slot struct {
	mu          sync.RWMutex
	code        string
	version     uint64
	subscribers map[int]chan Update
	nextID      int
}

// NewSlot creates a Slot, optionally holding initial code. Whitespace-only initial code leaves the slot empty
func NewSlot(initial string) *Slot {
	s := &Slot{subscribers: map[int]chan Update{}}
	if strings.TrimSpace(initial) != "" {
		s.code = initial
		s.version = 1
	}
	return s
}

// Get returns the current code, or false if the slot is empty
func (s *Slot) Get() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.code, s.version > 0
}

// Version counts successful Sets, including the initial value
func (s *Slot) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Set replaces the current code and notifies subscribers
func (s *Slot) Set(code string) (uint64, error) {
	if strings.TrimSpace(code) == "" {
		return 0, ErrEmptyCode
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.code = code
	s.version++
	u := Update{Code: code, Version: s.version}
	for _, ch := range s.subscribers {
		// Subscribers only care about the latest value, so replace anything they have not read yet
		select {
		case ch <- u:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- u
		}
	}
	return s.version, nil
}

// Subscribe returns a channel that receives every value set after the call, coalescing values the reader falls
// behind on, and a function that ends the subscription
func (s *Slot) Subscribe() (<-chan Update, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Update, 1)
	s.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subscribers, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Restore loads the backend's value into an empty slot. A backend with nothing stored is not an error
func Restore(ctx context.Context, b Backend, s *Slot) (bool, error) {
	code, err := b.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to load saved code: %w", err)
	}
	if _, err := s.Set(code); err != nil {
		if errors.Is(err, ErrEmptyCode) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
