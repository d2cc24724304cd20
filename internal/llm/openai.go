package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultOpenAIBaseURL is the public OpenAI API root.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider calls an OpenAI-compatible /chat/completions endpoint.
// The HTTP client has no timeout of its own; the per-call deadline comes
// from the request context set by Client.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIProvider creates a provider. baseURL defaults to DefaultOpenAIBaseURL.
func NewOpenAIProvider(apiKey, baseURL string, httpClient *http.Client) *OpenAIProvider {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAIChatRequest struct {
	Model         string              `json:"model"`
	Messages      []openAIChatMessage `json:"messages"`
	Temperature   *float64            `json:"temperature,omitempty"`
	Stream        bool                `json:"stream,omitempty"`
	StreamOptions *openAIStreamOpts   `json:"stream_options,omitempty"`
}

type openAIStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIStreamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	resp, err := p.post(ctx, req, false)
	if err != nil {
		return CompletionResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CompletionResult{}, p.transportErr(req, "decode response", err)
	}
	if len(out.Choices) == 0 {
		return CompletionResult{}, &ProviderError{
			Operation: req.Operation, Provider: p.Name(), StatusCode: resp.StatusCode,
			Message: "no choices in response",
		}
	}
	return CompletionResult{
		Text:       out.Choices[0].Message.Content,
		ResponseID: out.ID,
		Usage:      out.Usage.toUsage(),
	}, nil
}

// CompleteStream reads server-sent events of the form "data: {chunk}" until
// "data: [DONE]" or EOF.
func (p *OpenAIProvider) CompleteStream(ctx context.Context, req CompletionRequest, emit func(string) error) (CompletionResult, error) {
	resp, err := p.post(ctx, req, true)
	if err != nil {
		return CompletionResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var res CompletionResult
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.ID != "" {
			res.ResponseID = chunk.ID
		}
		if chunk.Usage != nil {
			res.Usage = chunk.Usage.toUsage()
		}
		for _, ch := range chunk.Choices {
			if err := emit(ch.Delta.Content); err != nil {
				return CompletionResult{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return CompletionResult{}, p.transportErr(req, "read stream", err)
	}
	return res, nil
}

func (p *OpenAIProvider) post(ctx context.Context, req CompletionRequest, stream bool) (*http.Response, error) {
	payload := openAIChatRequest{
		Model:       req.Model,
		Messages:    make([]openAIChatMessage, 0, len(req.Turns)),
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if stream {
		payload.StreamOptions = &openAIStreamOpts{IncludeUsage: true}
	}
	for _, t := range req.Turns {
		payload.Messages = append(payload.Messages, openAIChatMessage{Role: string(t.Role), Content: t.Content})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if req.CorrelationID != "" {
		httpReq.Header.Set("X-Request-ID", req.CorrelationID)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, p.transportErr(req, "request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyStatus(p.Name(), req.Operation, resp.StatusCode, resp.Header, errorMessage(respBody))
	}
	return resp, nil
}

func (p *OpenAIProvider) transportErr(req CompletionRequest, what string, err error) error {
	return &ProviderError{
		Operation: req.Operation,
		Provider:  p.Name(),
		Message:   what + ": " + err.Error(),
		Err:       err,
	}
}

// errorMessage prefers the structured error.message field and falls back to the raw body.
func errorMessage(body []byte) string {
	var eb openAIErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Message != "" {
		return eb.Error.Message
	}
	return strings.TrimSpace(string(body))
}

func (u *openAIUsage) toUsage() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
