package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scriptor/internal/common"
	"github.com/ternarybob/scriptor/internal/interfaces"
)

// ClaudeProvider streams report text from the Anthropic Messages API.
type ClaudeProvider struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
	logger  arbor.ILogger
}

// NewClaudeProvider creates a Claude provider from configuration.
func NewClaudeProvider(cfg *common.Config, logger arbor.ILogger) (*ClaudeProvider, error) {
	if cfg.Claude.APIKey == "" {
		return nil, fmt.Errorf("claude API key not configured")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(cfg.Claude.APIKey),
	)

	return &ClaudeProvider{
		client:  client,
		model:   cfg.Claude.Model,
		timeout: common.ParseDurationOr(cfg.Claude.Timeout, 2*time.Minute),
		logger:  logger,
	}, nil
}

func (p *ClaudeProvider) Name() string {
	return ProviderClaude
}

// Generate opens a streaming completion. Request errors surface through
// the returned stream's Err, not here, so the caller has a single error
// path for both connection and mid-stream failures.
func (p *ClaudeProvider) Generate(ctx context.Context, req *interfaces.GenerateRequest) (interfaces.Stream, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	streamCtx, cancel := context.WithTimeout(ctx, p.timeout)

	p.logger.Debug().
		Str("provider", ProviderClaude).
		Str("model", p.model).
		Msg("Opening streaming completion")

	return &claudeStream{
		stream: p.client.Messages.NewStreaming(streamCtx, params),
		cancel: cancel,
	}, nil
}

// claudeStream adapts the SDK event stream to text chunks, skipping
// non-text events such as message deltas and content block boundaries.
type claudeStream struct {
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	cancel context.CancelFunc
	chunk  string
}

func (s *claudeStream) Next() bool {
	for s.stream.Next() {
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if d.Text != "" {
					s.chunk = d.Text
					return true
				}
			}
		}
	}
	return false
}

func (s *claudeStream) Chunk() string {
	return s.chunk
}

func (s *claudeStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return wrapClaudeError(err)
	}
	return nil
}

func (s *claudeStream) Close() {
	s.cancel()
	s.stream.Close()
}

// wrapClaudeError preserves the HTTP status code from SDK errors so the
// classifier can fall back on it when the message text is unrecognized.
func wrapClaudeError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return NewProviderError(ProviderClaude, apierr.StatusCode, apierr.Error(), err)
	}
	return NewProviderError(ProviderClaude, 0, err.Error(), err)
}
