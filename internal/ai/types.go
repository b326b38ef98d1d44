// Package ai talks to an OpenAI-compatible chat completions API to clean
// transcripts, name projects, extract insights and draft posts.
package ai

// InsightDraft is one insight proposed by the model.
type InsightDraft struct {
	Title    string   `json:"title"`
	Summary  string   `json:"summary"`
	Quote    string   `json:"quote"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
}

// PostDraft is one post proposed by the model. Insight is the 1-based number of
// the insight it builds on, 0 when it is not tied to one.
type PostDraft struct {
	Insight  int      `json:"insight"`
	Platform string   `json:"platform"`
	Content  string   `json:"content"`
	Hashtags []string `json:"hashtags"`
}

type transcriptData struct {
	Transcript string
}

type insightData struct {
	Transcript string
	Count      int
}

type postData struct {
	Transcript string
	Limit      int
	Insights   []InsightDraft
}

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}
