package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/prompts"
)

// SuggestionService proposes alternate spellings for targets whose scan found nothing,
// using an OpenAI-compatible chat completions endpoint.
type SuggestionService struct {
	client   *resty.Client
	model    string
	endpoint string
	enabled  bool
}

// SuggestionConfig holds configuration for the suggestion service
type SuggestionConfig struct {
	Enabled bool
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewSuggestionService creates a new suggestion service.
// A disabled service returns no suggestions and never calls out.
func NewSuggestionService(cfg *SuggestionConfig) *SuggestionService {
	if cfg == nil || !cfg.Enabled {
		return &SuggestionService{enabled: false}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &SuggestionService{
		client:   client,
		model:    cfg.Model,
		endpoint: baseURL + "/chat/completions",
		enabled:  true,
	}
}

// IsEnabled returns whether suggestions are enabled
func (s *SuggestionService) IsEnabled() bool {
	return s.enabled
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Suggest returns alternate spellings for target.
// Parameters:
//   - ctx: bounds the completion call.
//   - target: a username, name or email that produced no findings.
// Returns:
//   - []string: candidates, possibly empty.
//   - error: non-nil if the completion call fails.
func (s *SuggestionService) Suggest(ctx context.Context, target domain.Target) ([]string, error) {
	if !s.enabled {
		return nil, nil
	}
	switch target.Type {
	case domain.TargetUsername, domain.TargetName, domain.TargetEmail:
	default:
		return nil, nil
	}

	req := chatRequest{
		Model: s.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.RescanSystemPrompt},
			{Role: "user", Content: prompts.BuildRescanPrompt(string(target.Type), target.Value)},
		},
		MaxTokens:   120,
		Temperature: 0.4,
	}

	var resp chatResponse
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("suggestion API call failed: %w", err)
	}

	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		if resp.Error != nil {
			return nil, fmt.Errorf("suggestion API error: %s", resp.Error.Message)
		}
		return nil, fmt.Errorf("suggestion API error: status %d", httpResp.StatusCode())
	}

	if len(resp.Choices) == 0 {
		return nil, nil
	}
	return prompts.ParseSuggestions(resp.Choices[0].Message.Content, target.Value), nil
}
