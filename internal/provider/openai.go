package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/replyd/internal/prompt"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "openai/gpt-4o-mini"

	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond

	finishContentFilter = "content_filter"
)

// OpenAIConfig configures an OpenAI-compatible chat completions backend.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	// Label prefixes the model in Name; it defaults to "openrouter" for the
	// OpenRouter base URL and "openai" otherwise.
	Label      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OpenAI streams chat completions from any OpenAI-compatible API, one
// streaming request per variant.
type OpenAI struct {
	client      openai.Client
	model       string
	label       string
	temperature float64
	logger      *slog.Logger
	backoff     time.Duration
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	label := cfg.Label
	if label == "" {
		label = "openai"
		if strings.Contains(baseURL, "openrouter.ai") {
			label = "openrouter"
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL + "/"),
		option.WithHeader("HTTP-Referer", "https://github.com/kalambet/replyd"),
		option.WithHeader("X-Title", "replyd"),
		// Rate limits are retried below with our own backoff.
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       model,
		label:       label,
		temperature: cfg.Temperature,
		logger:      logger,
		backoff:     initialBackoff,
	}
}

func (o *OpenAI) Name() string { return o.label + "/" + o.model }

// Open starts one streaming completion per variant concurrently. A variant
// whose request fails becomes a failed handle; the others are unaffected.
func (o *OpenAI) Open(ctx context.Context, p prompt.Prompt, variants int) ([]Handle, error) {
	if variants < 1 {
		return nil, fmt.Errorf("invalid variant count %d", variants)
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(p.System),
			openai.UserMessage(p.User),
		},
	}
	if o.temperature > 0 {
		params.Temperature = param.NewOpt(o.temperature)
	}

	handles := make([]Handle, variants)
	var g errgroup.Group
	for i := range variants {
		g.Go(func() error {
			h, err := o.open(ctx, params)
			if err != nil {
				o.logger.Warn("variant stream failed to open", "variant", i, "error", err)
				handles[i] = FailedHandle(i, err)
				return nil
			}
			handles[i] = h
			return nil
		})
	}
	g.Wait()
	return handles, nil
}

// open issues the streaming request, retrying on HTTP 429 with exponential
// backoff.
func (o *OpenAI) open(ctx context.Context, params openai.ChatCompletionNewParams) (*openAIHandle, error) {
	var lastErr error
	for attempt := range maxRetries {
		hctx, cancel := context.WithCancel(ctx)
		s := o.client.Chat.Completions.NewStreaming(hctx, params)
		err := s.Err()
		if err == nil {
			return &openAIHandle{stream: s, cancel: cancel}, nil
		}
		s.Close()
		cancel()

		if !isRateLimit(err) {
			return nil, err
		}
		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(o.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func isRateLimit(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

type openAIHandle struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	cancel context.CancelFunc

	text    strings.Builder
	finish  string
	refusal string
	done    bool

	closeOnce sync.Once
}

func (h *openAIHandle) Next() (Chunk, error) {
	if h.done {
		return Chunk{}, ErrExhausted
	}

	for h.stream.Next() {
		chunk := h.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			h.finish = string(choice.FinishReason)
		}
		h.refusal += choice.Delta.Refusal
		if s := choice.Delta.Content; s != "" {
			h.text.WriteString(s)
			return Chunk{Text: s}, nil
		}
	}

	h.done = true
	defer h.Close()

	if err := h.stream.Err(); err != nil {
		return Chunk{}, fmt.Errorf("reading stream: %w", err)
	}
	switch {
	case h.refusal != "":
		return Chunk{}, fmt.Errorf("provider refused: %s", h.refusal)
	case h.finish == finishContentFilter:
		return Chunk{}, errors.New("response blocked by content filter")
	case h.text.Len() == 0:
		return Chunk{}, errors.New("provider returned no text")
	}
	md := Analyze(h.text.String(), h.finish)
	return Chunk{Final: &md}, nil
}

// Close cancels this variant's request only.
func (h *openAIHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.cancel()
		err = h.stream.Close()
	})
	return err
}
