package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	"overdrive/internal/logging"
	"overdrive/internal/types"
)

const (
	// DefaultModel answers when neither config nor request names one.
	DefaultModel = "gemini-2.0-flash"
	// DefaultTimeout bounds one invocation end to end.
	DefaultTimeout = 2 * time.Minute
)

// GeminiConfig configures the Gemini-backed client.
type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
	// BaseURL overrides the API endpoint; tests point it at a local server.
	BaseURL string
}

// Gemini implements types.AgentClient over the Gemini API.
type Gemini struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGemini builds the client. The API key is required; model and timeout
// fall back to the defaults.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("agent: gemini API key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("agent: create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model, timeout: timeout}, nil
}

// Invoke sends the task to the named agent's persona and validates the
// output shape. Provider errors return a non-nil error alongside the
// failed result; a malformed output is reported through Success=false
// only, since the caller may still want the raw text.
func (g *Gemini) Invoke(ctx context.Context, req types.AgentRequest) (types.AgentResult, error) {
	start := time.Now()
	if err := checkRequest(req); err != nil {
		return types.AgentResult{Error: err.Error(), Duration: time.Since(start)}, err
	}

	model := g.model
	if req.Options.Model != "" {
		model = req.Options.Model
	}
	timeout := g.timeout
	if req.Options.Timeout > 0 {
		timeout = req.Options.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstructions[req.Agent], genai.RoleUser),
	}
	if req.Options.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Options.Temperature))
	}
	if req.Options.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Options.MaxTokens)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(buildUserPrompt(req), genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	duration := time.Since(start)
	if err != nil {
		logging.Agent("gemini %s via %s failed after %s: %v",
			req.Agent, model, duration.Round(time.Millisecond), err)
		return types.AgentResult{Error: err.Error(), Duration: duration},
			fmt.Errorf("agent: gemini invoke: %w", err)
	}

	output := collectText(resp)
	res := types.AgentResult{
		Success:  true,
		Output:   output,
		Duration: duration,
		Metadata: map[string]string{"provider": "gemini", "model": model},
	}
	if resp.UsageMetadata != nil {
		res.Metadata["tokens"] = strconv.Itoa(int(resp.UsageMetadata.TotalTokenCount))
	}
	if verr := validateOutput(req.Agent, output); verr != nil {
		res.Success = false
		res.Error = verr.Error()
	}

	logging.AgentDebug("gemini %s via %s: success=%v len=%d duration=%s",
		req.Agent, model, res.Success, len(output), duration.Round(time.Millisecond))
	return res, nil
}

// Close releases the underlying client.
func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// collectText concatenates the text parts of the first candidate.
func collectText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}
