// Package llm provides the chat-completions client and response handling
// shared by the SKU matcher and the pattern suggester.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrEmptyContent means the provider returned 200 OK with no usable
	// text. Common when a reasoning model spends its whole token budget on
	// hidden reasoning. Treated as a call failure, not a success.
	ErrEmptyContent = errors.New("llm: empty completion content")

	// ErrNoJSONObject means the completion text contains no JSON object.
	ErrNoJSONObject = errors.New("llm: no json object in content")
)

// CallError is a failed chat-completions HTTP exchange.
type CallError struct {
	StatusCode int
	Body       string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("llm call status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the call may succeed on retry.
func (e *CallError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes one chat call.
type Options struct {
	Temperature *float64 // nil leaves the provider default
	JSONMode    bool     // request response_format json_object
	MaxTokens   int      // 0 leaves the provider default
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// messageContent accepts both a plain string and a list of typed text
// parts, which some providers return for the same field.
type messageContent string

func (m *messageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = messageContent(s)
		return nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content is neither string nor parts: %w", err)
	}
	var b strings.Builder
	for _, part := range parts {
		if part.Type == "" || part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	*m = messageContent(b.String())
	return nil
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content messageContent `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client is a chat-completions API client (OpenAI-compatible).
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClient creates an LLM client for an OpenAI-compatible endpoint.
func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// Chat sends one chat-completions request and returns the completion text.
// 429/5xx/network failures are retried with exponential backoff and
// jitter; 4xx responses and empty completions are permanent.
func (c *Client) Chat(ctx context.Context, messages []Message, opts Options) (string, error) {
	payload := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if opts.JSONMode {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	var content string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			callErr := &CallError{StatusCode: resp.StatusCode, Body: truncate(data, 300)}
			if callErr.Retryable() {
				return callErr
			}
			return backoff.Permanent(callErr)
		}

		var parsed chatResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("decode chat response: %w", err))
		}
		if len(parsed.Choices) == 0 || strings.TrimSpace(string(parsed.Choices[0].Message.Content)) == "" {
			return backoff.Permanent(ErrEmptyContent)
		}
		content = string(parsed.Choices[0].Message.Content)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)); err != nil {
		return "", err
	}
	return content, nil
}

// ExtractFirstJSONObject returns the first balanced {...} block in text.
// Models often wrap JSON in prose or markdown fences; everything outside
// the first object is ignored.
func ExtractFirstJSONObject(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", ErrNoJSONObject
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSONObject
}

func truncate(data []byte, n int) string {
	if len(data) > n {
		return string(data[:n]) + "..."
	}
	return string(data)
}
