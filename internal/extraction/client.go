// Package extraction talks to the AI model that turns page images and document
// text into structured claim data.
package extraction

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/claimflow/internal/domain"
	"github.com/timmy/claimflow/internal/logger"
	"github.com/timmy/claimflow/internal/prompts"
)

// Service calls an OpenAI-compatible chat completions endpoint.
type Service struct {
	client    *resty.Client
	model     string
	maxTokens int
	endpoint  string
}

// Config holds configuration for the extraction service.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxTokens  int
	Timeout    time.Duration
	RetryCount int
}

// NewService creates a new extraction client.
// Parameters:
//   - cfg: endpoint, credentials, model and transport limits.
//
// Returns:
//   - *Service: initialized client.
func NewService(cfg *Config) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	// A hung call would otherwise stall the single worker and the whole queue.
	client.SetTimeout(timeout)
	if cfg.RetryCount > 0 {
		client.SetRetryCount(cfg.RetryCount).
			SetRetryWaitTime(time.Second).
			SetRetryMaxWaitTime(10 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
			})
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}

	return &Service{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		endpoint:  baseURL + "/chat/completions",
	}
}

// GetModel returns the model name being used.
func (s *Service) GetModel() string {
	return s.model
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string, or []interface{} when an image is attached
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imagePart struct {
	Type     string   `json:"type"`
	ImageURL imageURL `json:"image_url"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorEnvelope struct {
	Error *apiError `json:"error,omitempty"`
}

// ExtractFromImage sends one PNG page to the model.
// Malformed replies never fail; only transport and API errors do.
func (s *Service) ExtractFromImage(ctx context.Context, png []byte) (Result, error) {
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)

	req := chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.ExtractionSystemPrompt},
			{
				Role: "user",
				Content: []interface{}{
					imagePart{
						Type:     "image_url",
						ImageURL: imageURL{URL: dataURL, Detail: "high"},
					},
					textPart{Type: "text", Text: prompts.ImageExtractionPrompt},
				},
			},
		},
		MaxTokens: s.maxTokens,
	}
	return s.complete(ctx, req)
}

// ExtractFromText sends the raw text of a document to the model.
func (s *Service) ExtractFromText(ctx context.Context, text string) (Result, error) {
	req := chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.ExtractionSystemPrompt},
			{Role: "user", Content: prompts.TextExtractionPrompt(text)},
		},
		MaxTokens: s.maxTokens,
	}
	return s.complete(ctx, req)
}

func (s *Service) complete(ctx context.Context, req chatRequest) (Result, error) {
	start := time.Now()

	var resp chatResponse
	var errResp errorEnvelope
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&errResp).
		Post(s.endpoint)
	if err != nil {
		return Result{}, domain.NewUpstreamError("extraction request failed", err)
	}

	if httpResp.IsError() || httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		msg := fmt.Sprintf("HTTP %d", httpResp.StatusCode())
		if errResp.Error != nil && errResp.Error.Message != "" {
			msg += ": " + errResp.Error.Message
		} else if body := strings.TrimSpace(string(httpResp.Body())); body != "" {
			msg += ": " + truncate(body, 300)
		}
		return Result{}, domain.NewUpstreamError("extraction service returned error", errors.New(msg))
	}

	if resp.Error != nil {
		return Result{}, domain.NewUpstreamError("extraction service error", errors.New(resp.Error.Message))
	}
	if len(resp.Choices) == 0 {
		return Result{}, domain.NewUpstreamError("extraction service returned no choices", nil)
	}

	content := resp.Choices[0].Message.Content
	result := Decode(content)

	logger.With(logger.Fields{
		"parsed": result.Parsed,
		"model":  s.model,
	}).WithDuration(time.Since(start).Milliseconds()).
		WithSize(len(content)).
		Debug(ctx, "Extraction call finished")

	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
