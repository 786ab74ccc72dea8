package codestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/cchalm/codesmith/internal/codestore"

// Persister writes committed slot values to a Backend. Writes are serialized and a value older than the last one
// written is skipped, so the backend always converges on the newest committed version
type Persister struct {
	backend Backend
	timeout time.Duration

	mu    sync.Mutex // serializes writes
	saved uint64

	wg conc.WaitGroup
}

// NewPersister creates a Persister. A zero timeout leaves background writes bounded only by the backend
func NewPersister(backend Backend, timeout time.Duration) *Persister {
	return &Persister{backend: backend, timeout: timeout}
}

// Backend returns the backend written to
func (p *Persister) Backend() Backend {
	return p.backend
}

// Save writes u synchronously
func (p *Persister) Save(ctx context.Context, u Update) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "codestore.save")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("codestore.version", int64(u.Version)),
		attribute.String("codestore.durability", p.backend.Durability().String()),
	)

	p.mu.Lock()
	defer p.mu.Unlock()

	if u.Version != 0 && u.Version <= p.saved {
		span.SetAttributes(attribute.Bool("codestore.skipped", true))
		return nil
	}
	if err := p.backend.Save(ctx, u.Code); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to save code version %d: %w", u.Version, err)
	}
	if u.Version > p.saved {
		p.saved = u.Version
	}
	return nil
}

// Persist writes u in the background. The write outlives ctx's cancellation but keeps its values, and done, if not
// nil, is called with the result
func (p *Persister) Persist(ctx context.Context, u Update, done func(error)) {
	ctx = context.WithoutCancel(ctx)
	p.wg.Go(func() {
		var cancel context.CancelFunc = func() {}
		if p.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, p.timeout)
		}
		defer cancel()

		err := p.Save(ctx, u)
		if done != nil {
			done(err)
		}
	})
}

// Wait blocks until every background write has finished
func (p *Persister) Wait() {
	p.wg.Wait()
}
