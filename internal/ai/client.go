package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jimdaga/postflow/internal/apperr"
	"github.com/jimdaga/postflow/internal/prompts"
)

const defaultHTTPTimeout = 90 * time.Second

// Config holds the API settings.
type Config struct {
	BaseURL  string
	APIKey   string
	Model    string
	StubMode bool
}

// Client is the AI collaborator used by the processing pipeline.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	stubMode   bool
	prompts    *prompts.Registry
	httpClient *http.Client
}

// NewClient creates a client. In stub mode no network calls are made and
// deterministic answers are derived from the input.
func NewClient(cfg Config, registry *prompts.Registry) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      strings.TrimSpace(cfg.Model),
		stubMode:   cfg.StubMode,
		prompts:    registry,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// StubMode reports whether the client answers locally.
func (c *Client) StubMode() bool {
	return c.stubMode
}

// NormalizeTranscript returns a cleaned copy of raw.
func (c *Client) NormalizeTranscript(ctx context.Context, raw string) (string, error) {
	if c.stubMode {
		return stubNormalize(raw), nil
	}
	var out struct {
		Transcript string `json:"transcript"`
	}
	if err := c.complete(ctx, prompts.NormalizeTranscript, transcriptData{Transcript: raw}, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Transcript), nil
}

// GenerateTitle proposes a title for transcript. Length limits are left to the caller.
func (c *Client) GenerateTitle(ctx context.Context, transcript string) (string, error) {
	if c.stubMode {
		return stubTitle(transcript), nil
	}
	var out struct {
		Title string `json:"title"`
	}
	if err := c.complete(ctx, prompts.GenerateTitle, transcriptData{Transcript: transcript}, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Title), nil
}

// ExtractInsights asks for up to n insights. Extra items returned by the model
// are dropped.
func (c *Client) ExtractInsights(ctx context.Context, transcript string, n int) ([]InsightDraft, error) {
	if c.stubMode {
		return stubInsights(transcript, n), nil
	}
	var out struct {
		Insights []InsightDraft `json:"insights"`
	}
	if err := c.complete(ctx, prompts.ExtractInsights, insightData{Transcript: transcript, Count: n}, &out); err != nil {
		return nil, err
	}
	if len(out.Insights) > n {
		out.Insights = out.Insights[:n]
	}
	return out.Insights, nil
}

// DraftPosts asks for up to limit posts built on insights.
func (c *Client) DraftPosts(ctx context.Context, transcript string, insights []InsightDraft, limit int) ([]PostDraft, error) {
	if c.stubMode {
		return stubPosts(insights, limit), nil
	}
	var out struct {
		Posts []PostDraft `json:"posts"`
	}
	data := postData{Transcript: transcript, Limit: limit, Insights: insights}
	if err := c.complete(ctx, prompts.DraftPosts, data, &out); err != nil {
		return nil, err
	}
	if len(out.Posts) > limit {
		out.Posts = out.Posts[:limit]
	}
	return out.Posts, nil
}

// complete renders the named prompt, sends it and decodes the validated JSON
// answer into out.
func (c *Client) complete(ctx context.Context, name string, data any, out any) error {
	prompt, err := c.prompts.MustGet(name)
	if err != nil {
		return apperr.Wrap(apperr.ErrCollaborator, "ai", name, "", err)
	}
	system, user, err := prompt.Render(data)
	if err != nil {
		return apperr.Wrap(apperr.ErrCollaborator, "ai", name, "render prompt", err)
	}

	reqBody := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    prompt.Temperature,
		MaxTokens:      prompt.MaxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.ErrCollaborator, "ai", name, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperr.Wrap(apperr.ErrCollaborator, "ai", name,
			fmt.Sprintf("api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	var completion chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return apperr.Wrap(apperr.ErrCollaborator, "ai", name, "decode response", err)
	}
	if len(completion.Choices) == 0 {
		return apperr.Wrap(apperr.ErrCollaborator, "ai", name, "response has no choices", nil)
	}
	content := stripCodeFence(completion.Choices[0].Message.Content)
	if content == "" {
		return apperr.Wrap(apperr.ErrCollaborator, "ai", name,
			fmt.Sprintf("empty content (finish_reason=%q)", completion.Choices[0].FinishReason), nil)
	}

	if err := prompt.ValidateResponse([]byte(content)); err != nil {
		return apperr.Wrap(apperr.ErrCollaborator, "ai", name, "", err)
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return apperr.Wrap(apperr.ErrCollaborator, "ai", name, "decode content", err)
	}
	return nil
}

// stripCodeFence removes a ```json fence some models wrap their answer in.
func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if nl := strings.IndexByte(content, '\n'); nl >= 0 {
		content = content[nl+1:]
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
