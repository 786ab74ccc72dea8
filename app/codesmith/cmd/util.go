package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/cchalm/codesmith/internal/ai"
	"github.com/cchalm/codesmith/internal/chat"
	"github.com/cchalm/codesmith/internal/codestore"
	"github.com/cchalm/codesmith/internal/telemetry"
	"github.com/cchalm/codesmith/internal/transport"
)

func bindFlag(key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", flag.Name, err))
	}
}

func setupContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	// Setup graceful shutdown
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		logger.Info().Msg("interrupt signal detected, shutting down gracefully")
		cancel()
		<-interrupt
		logger.Fatal().Msg("forcing shutdown")
	}()

	return ctx
}

func createAnthropicClient() anthropic.Client {
	rateLimitedHTTPClient := &http.Client{
		Transport: transport.WithRateLimiting(nil, transport.Options{
			MaxWait: cfg.LLM.MaxRateLimitWait,
			Logger:  logger.With().Str("component", "transport").Logger(),
		}),
	}
	return anthropic.NewClient(
		option.WithHTTPClient(rateLimitedHTTPClient),
		option.WithAPIKey(cfg.AnthropicAPIKey),
		option.WithMaxRetries(cfg.LLM.MaxRetries),
	)
}

// runtime holds the collaborators shared by every command
type runtime struct {
	slot      *codestore.Slot
	persister *codestore.Persister
	backend   ai.Backend
	metrics   *telemetry.Metrics
	registry  *prometheus.Registry
	tracing   *telemetry.Provider
	store     io.Closer
}

// newRuntime opens the configured code store and restores the current code from it. The model client is only created
// when withModel is set
func newRuntime(ctx context.Context, withModel bool) (*runtime, error) {
	if err := cfg.Validate(withModel); err != nil {
		return nil, err
	}

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceVersion: versionInfo.Version,
	}, logger)
	if err != nil {
		return nil, err
	}

	backend, closer, err := codestore.Open(ctx, cfg.CodeStore())
	if err != nil {
		_ = tracing.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to open code store: %w", err)
	}
	logger.Info().
		Str("backend", cfg.Store.Backend).
		Str("durability", backend.Durability().String()).
		Msg("code store opened")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rt := &runtime{
		slot:      codestore.NewSlot(""),
		persister: codestore.NewPersister(backend, cfg.Chat.PersistTimeout),
		metrics:   telemetry.NewMetrics(registry),
		registry:  registry,
		tracing:   tracing,
		store:     closer,
	}
	if withModel {
		rt.backend = ai.NewAnthropicBackend(createAnthropicClient(), logger)
	}

	if err := rt.restore(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

// restore loads the persisted code, falling back to the seed file when nothing is stored yet
func (rt *runtime) restore(ctx context.Context) error {
	restored, err := codestore.Restore(ctx, rt.persister.Backend(), rt.slot)
	if err != nil {
		return err
	}
	if restored || cfg.Store.SeedFile == "" {
		logger.Debug().Bool("restored", restored).Msg("code store restored")
		return nil
	}

	seed, err := os.ReadFile(cfg.Store.SeedFile)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	if err := rt.setCode(ctx, string(seed)); err != nil {
		return fmt.Errorf("failed to seed code store from '%s': %w", cfg.Store.SeedFile, err)
	}
	logger.Info().Str("file", cfg.Store.SeedFile).Msg("code store seeded")
	return nil
}

// setCode commits code and persists it before returning
func (rt *runtime) setCode(ctx context.Context, code string) error {
	version, err := rt.slot.Set(code)
	if err != nil {
		return err
	}
	return rt.persister.Save(ctx, codestore.Update{Code: code, Version: version})
}

func (rt *runtime) chatDeps() chat.Deps {
	return chat.Deps{
		Backend:   rt.backend,
		Slot:      rt.slot,
		Persister: rt.persister,
		Metrics:   rt.metrics,
		Logger:    logger,
	}
}

func chatOptions() chat.Options {
	return chat.Options{
		Model:         cfg.LLM.Model,
		MaxTokens:     cfg.LLM.MaxTokens,
		MaxHistory:    cfg.Chat.HistoryMessages,
		StreamTimeout: cfg.LLM.StreamTimeout,
		QueueTurns:    cfg.Chat.QueueTurns,
	}
}

// Close waits for pending writes and releases the store and the tracer
func (rt *runtime) Close() error {
	rt.persister.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(rt.store.Close(), rt.tracing.Shutdown(ctx))
}
