package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/scriptor/internal/common"
	"github.com/ternarybob/scriptor/internal/interfaces"
)

// GeminiProvider streams report text from the Gemini API.
type GeminiProvider struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  arbor.ILogger
}

// NewGeminiProvider creates a Gemini provider from configuration.
func NewGeminiProvider(cfg *common.Config, logger arbor.ILogger) (*GeminiProvider, error) {
	if cfg.Gemini.APIKey == "" {
		return nil, fmt.Errorf("gemini API key not configured")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.Gemini.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiProvider{
		client:  client,
		model:   cfg.Gemini.Model,
		timeout: common.ParseDurationOr(cfg.Gemini.Timeout, 2*time.Minute),
		logger:  logger,
	}, nil
}

func (p *GeminiProvider) Name() string {
	return ProviderGemini
}

func (p *GeminiProvider) Generate(ctx context.Context, req *interfaces.GenerateRequest) (interfaces.Stream, error) {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}

	streamCtx, cancel := context.WithTimeout(ctx, p.timeout)

	p.logger.Debug().
		Str("provider", ProviderGemini).
		Str("model", p.model).
		Msg("Opening streaming completion")

	// The SDK exposes streaming as a range-over-func iterator. Pull
	// semantics fit the chunk loop better, so convert it once here.
	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(streamCtx, p.model, contents, config))

	return &geminiStream{
		next:   next,
		stop:   stop,
		cancel: cancel,
	}, nil
}

type geminiStream struct {
	next   func() (*genai.GenerateContentResponse, error, bool)
	stop   func()
	cancel context.CancelFunc
	chunk  string
	err    error
	done   bool
}

func (s *geminiStream) Next() bool {
	if s.done {
		return false
	}
	for {
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			return false
		}
		if err != nil {
			s.err = wrapGeminiError(err)
			s.done = true
			return false
		}
		if text := resp.Text(); text != "" {
			s.chunk = text
			return true
		}
	}
}

func (s *geminiStream) Chunk() string {
	return s.chunk
}

func (s *geminiStream) Err() error {
	return s.err
}

func (s *geminiStream) Close() {
	s.done = true
	s.stop()
	s.cancel()
}

func wrapGeminiError(err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		return NewProviderError(ProviderGemini, apierr.Code, apierr.Error(), err)
	}
	return NewProviderError(ProviderGemini, 0, err.Error(), err)
}
