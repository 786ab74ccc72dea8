package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/rs/zerolog"
)

// AnthropicBackend implements Backend with the Anthropic Messages API
type AnthropicBackend struct {
	client anthropic.Client
	logger zerolog.Logger
}

func NewAnthropicBackend(client anthropic.Client, logger zerolog.Logger) *AnthropicBackend {
	return &AnthropicBackend{
		client: client,
		logger: logger.With().Str("component", "anthropic").Logger(),
	}
}

// StreamMessage starts a streaming request. Errors from the API surface through the returned stream's Err
func (ab *AnthropicBackend) StreamMessage(ctx context.Context, req Request) (FragmentStream, error) {
	params, err := messageParams(req)
	if err != nil {
		return nil, err
	}
	stream := ab.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{stream: stream, logger: ab.logger}, nil
}

// DescribeImage sends an image with a text prompt and returns the concatenated text of the answer
func (ab *AnthropicBackend) DescribeImage(ctx context.Context, req ImageRequest) (string, error) {
	if req.ImageData == "" || req.Prompt == "" {
		return "", errors.New("image data and prompt are required")
	}
	mediaType := req.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, req.ImageData),
				anthropic.NewTextBlock(req.Prompt),
			),
		},
	}

	response, err := ab.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to send image message: %w", err)
	}
	logUsage(ab.logger, response)

	var text strings.Builder
	for _, block := range response.Content {
		if textBlock, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(textBlock.Text)
		}
	}
	return text.String(), nil
}

func messageParams(req Request) (anthropic.MessageNewParams, error) {
	if len(req.Turns) == 0 {
		return anthropic.MessageNewParams{}, errors.New("request has no turns")
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Turns))
	for i, turn := range req.Turns {
		block := anthropic.NewTextBlock(turn.Content)
		switch turn.Role {
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(block))
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(block))
		default:
			return anthropic.MessageNewParams{}, fmt.Errorf("turn %d has unsupported role '%s'", i, turn.Role)
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params, nil
}

// anthropicStream adapts the SDK's event stream to a stream of text fragments
type anthropicStream struct {
	stream  *ssestream.Stream[anthropic.MessageStreamEventUnion]
	logger  zerolog.Logger
	message anthropic.Message

	current string
	err     error
	done    bool
}

func (as *anthropicStream) Next() bool {
	if as.done {
		return false
	}
	for as.stream.Next() {
		event := as.stream.Current()
		if err := as.message.Accumulate(event); err != nil {
			as.finish(fmt.Errorf("failed to accumulate response content stream: %w", err))
			return false
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				as.current = text.Text
				return true
			}
		}
	}

	if err := as.stream.Err(); err != nil {
		as.finish(err)
		return false
	}
	if as.message.StopReason == "" {
		b, err := json.Marshal(as.message)
		if err != nil {
			as.logger.Warn().Err(err).Msg("error while marshalling corrupt message for inspection")
		}
		as.finish(fmt.Errorf("malformed message: %v", string(b)))
		return false
	}
	logUsage(as.logger, &as.message)
	as.finish(nil)
	return false
}

func (as *anthropicStream) finish(err error) {
	as.done = true
	as.current = ""
	as.err = err
}

func (as *anthropicStream) Current() string {
	return as.current
}

func (as *anthropicStream) Err() error {
	return as.err
}

func (as *anthropicStream) Close() error {
	return as.stream.Close()
}

func logUsage(logger zerolog.Logger, msg *anthropic.Message) {
	logger.Info().
		Str("stop_reason", string(msg.StopReason)).
		Int64("input_tokens", msg.Usage.InputTokens).
		Int64("output_tokens", msg.Usage.OutputTokens).
		Int64("cache_create_tokens", msg.Usage.CacheCreationInputTokens).
		Int64("cache_read_tokens", msg.Usage.CacheReadInputTokens).
		Msg("token usage")
}
