// Package aitest provides scripted model backends for tests.
package aitest

import (
	"context"
	"errors"
	"sync"

	"github.com/cchalm/codesmith/internal/ai"
)

// Script describes one scripted response
type Script struct {
	Fragments []string
	// Err, if set, is returned by the stream after all fragments are delivered
	Err error
	// StartErr, if set, is returned by StreamMessage instead of a stream
	StartErr error
	// Gate, if set, must receive a value before each fragment is delivered
	Gate chan struct{}
}

// Backend replays scripts in order, one per StreamMessage call. When it runs out of scripts the last one is reused
type Backend struct {
	mu       sync.Mutex
	scripts  []Script
	calls    int
	requests []ai.Request

	imageText  string
	imageErr   error
	imageCalls []ai.ImageRequest
}

func NewBackend(scripts ...Script) *Backend {
	return &Backend{scripts: scripts}
}

// Fragments is shorthand for a backend with a single successful script
func Fragments(fragments ...string) *Backend {
	return NewBackend(Script{Fragments: fragments})
}

// Requests returns every request seen so far
func (b *Backend) Requests() []ai.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ai.Request(nil), b.requests...)
}

// Calls returns the number of StreamMessage calls
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *Backend) StreamMessage(ctx context.Context, req ai.Request) (ai.FragmentStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests = append(b.requests, req)
	if len(b.scripts) == 0 {
		return nil, errors.New("aitest: no scripts")
	}
	i := b.calls
	if i >= len(b.scripts) {
		i = len(b.scripts) - 1
	}
	b.calls++
	script := b.scripts[i]
	if script.StartErr != nil {
		return nil, script.StartErr
	}
	return &stream{ctx: ctx, script: script, pos: -1}, nil
}

// SetImage sets the answer to every later DescribeImage call
func (b *Backend) SetImage(text string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.imageText, b.imageErr = text, err
}

// ImageRequests returns every image request seen so far
func (b *Backend) ImageRequests() []ai.ImageRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ai.ImageRequest(nil), b.imageCalls...)
}

func (b *Backend) DescribeImage(_ context.Context, req ai.ImageRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.imageCalls = append(b.imageCalls, req)
	return b.imageText, b.imageErr
}

type stream struct {
	ctx    context.Context
	script Script
	pos    int
	err    error
	closed bool
}

func (s *stream) Next() bool {
	if s.err != nil || s.closed {
		return false
	}
	if s.pos+1 >= len(s.script.Fragments) {
		s.pos = len(s.script.Fragments)
		s.err = s.script.Err
		return false
	}
	if s.script.Gate != nil {
		select {
		case <-s.script.Gate:
		case <-s.ctx.Done():
			s.err = s.ctx.Err()
			return false
		}
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	s.pos++
	return true
}

func (s *stream) Current() string {
	if s.pos < 0 || s.pos >= len(s.script.Fragments) {
		return ""
	}
	return s.script.Fragments[s.pos]
}

func (s *stream) Err() error {
	return s.err
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}

// Wrap returns the scripted reply for code: some prose, then the code between the markers
func Wrap(code string) string {
	return "Here you go.\n" + ai.StartMarker + "\n" + code + "\n" + ai.EndMarker + "\nLet me know if you need anything else."
}
