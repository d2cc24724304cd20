package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiProvider calls the Gemini API through the genai SDK.
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a provider backed by the Gemini developer API.
func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	contents, cfg := geminiRequest(req)
	res, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return CompletionResult{}, p.classify(req, err)
	}
	return CompletionResult{
		Text:       res.Text(),
		ResponseID: res.ResponseID,
		Usage:      geminiUsage(res.UsageMetadata),
	}, nil
}

func (p *GeminiProvider) CompleteStream(ctx context.Context, req CompletionRequest, emit func(string) error) (CompletionResult, error) {
	contents, cfg := geminiRequest(req)
	var out CompletionResult
	for chunk, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
		if err != nil {
			return CompletionResult{}, p.classify(req, err)
		}
		if chunk == nil {
			continue
		}
		if chunk.ResponseID != "" {
			out.ResponseID = chunk.ResponseID
		}
		if u := geminiUsage(chunk.UsageMetadata); u != nil {
			out.Usage = u
		}
		if err := emit(chunk.Text()); err != nil {
			return CompletionResult{}, err
		}
	}
	return out, nil
}

// geminiRequest maps normalized turns onto genai contents. The leading system
// turn becomes SystemInstruction; assistant turns use the "model" role.
func geminiRequest(req CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, rest := splitSystem(req.Turns)
	contents := make([]*genai.Content, 0, len(rest))
	for _, t := range rest {
		role := genai.Role(genai.RoleUser)
		if t.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Content, role))
	}
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		cfg.Temperature = &temp
	}
	return contents, cfg
}

func geminiUsage(u *genai.GenerateContentResponseUsageMetadata) *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     int(u.PromptTokenCount),
		CompletionTokens: int(u.CandidatesTokenCount),
		TotalTokens:      int(u.TotalTokenCount),
	}
}

// classify converts SDK errors into the package taxonomy. Context errors pass
// through untouched so Client can attribute them to the deadline or the caller.
func (p *GeminiProvider) classify(req CompletionRequest, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if apiErr, ok := asGeminiAPIError(err); ok {
		msg := apiErr.Message
		if apiErr.Status != "" {
			msg = apiErr.Status + ": " + msg
		}
		classified := classifyStatus(p.Name(), req.Operation, apiErr.Code, nil, msg)
		if rl, ok := classified.(*RateLimitError); ok && rl.RetryAfterMs == nil {
			rl.RetryAfterMs = geminiRetryDelay(apiErr.Details)
		}
		if pe, ok := classified.(*ProviderError); ok {
			pe.Err = err
		}
		return classified
	}
	if IsRateLimitMessage(err.Error()) || strings.Contains(err.Error(), "429") {
		return &RateLimitError{
			RetryAfterMs: RetryAfterFromMessage(err.Error()),
			Operation:    req.Operation,
			Message:      err.Error(),
		}
	}
	return &ProviderError{Operation: req.Operation, Provider: p.Name(), Message: err.Error(), Err: err}
}

func asGeminiAPIError(err error) (genai.APIError, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v, true
	}
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	return genai.APIError{}, false
}

// geminiRetryDelay reads google.rpc.RetryInfo.retryDelay ("20s", "1.5s") from error details.
func geminiRetryDelay(details []map[string]any) *int64 {
	for _, d := range details {
		typ, _ := d["@type"].(string)
		if !strings.HasSuffix(typ, "RetryInfo") {
			continue
		}
		raw, _ := d["retryDelay"].(string)
		dur, err := time.ParseDuration(raw)
		if err != nil || dur < 0 {
			continue
		}
		ms := dur.Milliseconds()
		return &ms
	}
	return nil
}
