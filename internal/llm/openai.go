package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultBaseURL is the public OpenAI API.
const DefaultBaseURL = "https://api.openai.com/v1"

var (
	errMissingAPIKey = errors.New("completion api key is empty")
	errIdleTimeout   = errors.New("completion stream idle timeout")
	errTruncated     = errors.New("completion stream ended without a terminator")
)

// OpenAIConfig configures an OpenAI-compatible client.
type OpenAIConfig struct {
	BaseURL string
	// Timeout bounds a whole completion, stream included.
	Timeout time.Duration
	// IdleTimeout aborts a stream that sends nothing for this long.
	IdleTimeout time.Duration
	HTTPClient  *http.Client
}

// OpenAIClient streams chat completions from an OpenAI-compatible
// /chat/completions endpoint using server-sent events.
type OpenAIClient struct {
	baseURL     string
	timeout     time.Duration
	idleTimeout time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOpenAIClient creates a client. Zero config fields take defaults.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &OpenAIClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		timeout:     cfg.Timeout,
		idleTimeout: cfg.IdleTimeout,
		httpClient:  cfg.HTTPClient,
		logger:      slog.Default().With("component", "llm"),
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream implements Completer.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if req.APIKey == "" {
			yield("", errMissingAPIKey)
			return
		}

		body, err := json.Marshal(chatRequest{Model: req.Model, Messages: req.Messages, Stream: true})
		if err != nil {
			yield("", fmt.Errorf("marshal completion request: %w", err))
			return
		}

		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			yield("", fmt.Errorf("create completion request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			yield("", fmt.Errorf("completion request failed: %w", err))
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			yield("", fmt.Errorf("completion request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
			return
		}

		c.parseSSE(ctx, cancel, resp.Body, yield)
	}
}

// parseSSE yields content deltas until [DONE] or a finish_reason. EOF before
// either is an error. A watchdog cancels the request if no line arrives within the idle
// timeout.
func (c *OpenAIClient) parseSSE(ctx context.Context, cancel context.CancelFunc, body io.Reader, yield func(string, error) bool) {
	var idle atomic.Bool
	watchdog := time.AfterFunc(c.idleTimeout, func() {
		idle.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		watchdog.Reset(c.idleTimeout)

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("Skip unparseable SSE chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			yield("", fmt.Errorf("completion stream error: %s", chunk.Error.Message))
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if !yield(choice.Delta.Content, nil) {
				return
			}
		}
		// Some compatible servers never send [DONE].
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if idle.Load() {
			yield("", fmt.Errorf("%w after %v", errIdleTimeout, c.idleTimeout))
			return
		}
		if ctx.Err() != nil {
			yield("", fmt.Errorf("completion stream: %w", ctx.Err()))
			return
		}
		yield("", fmt.Errorf("read completion stream: %w", err))
		return
	}
	yield("", errTruncated)
}
