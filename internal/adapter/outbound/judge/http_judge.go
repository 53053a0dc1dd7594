// Package judge provides risk classifier adapters: an LLM judge speaking
// the OpenAI chat-completions protocol and a rule-driven mock for
// deterministic scenario runs.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chimera-gw/chimera/internal/domain/risk"
)

// DefaultBudget bounds one classification round trip. Over budget the
// verdict degrades to risk.Unavailable().
const DefaultBudget = 2 * time.Second

// DefaultSystemPrompt instructs the model to answer with a bare JSON verdict.
const DefaultSystemPrompt = "You are a vigilant security AI. Return JSON with risk_score (0.0-1.0), " +
	"confidence (0.0-1.0, how certain you are), reason, and violation_tags."

// HTTPJudge classifies tool calls by asking an OpenAI-compatible
// chat-completions endpoint for a structured verdict. Every failure mode
// (transport error, over budget, non-2xx status, unparseable or
// out-of-range verdict) degrades to risk.Unavailable: classification
// never blocks the pipeline and never propagates an error.
type HTTPJudge struct {
	endpoint string
	apiKey   string
	model    string
	prompt   string
	budget   time.Duration
	client   *http.Client
}

// JudgeOption is a functional option for configuring HTTPJudge.
type JudgeOption func(*HTTPJudge)

// WithBudget overrides the per-call classification budget.
func WithBudget(d time.Duration) JudgeOption {
	return func(j *HTTPJudge) {
		if d > 0 {
			j.budget = d
		}
	}
}

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(prompt string) JudgeOption {
	return func(j *HTTPJudge) {
		if prompt != "" {
			j.prompt = prompt
		}
	}
}

// WithJudgeHTTPClient sets a custom HTTP client.
func WithJudgeHTTPClient(client *http.Client) JudgeOption {
	return func(j *HTTPJudge) {
		if client != nil {
			j.client = client
		}
	}
}

// NewHTTPJudge creates a judge for the given OpenAI-compatible API base URL,
// e.g. "https://api.openai.com/v1" or an OpenRouter base. Requests go to
// endpoint + "/chat/completions".
func NewHTTPJudge(endpoint, apiKey, model string, opts ...JudgeOption) *HTTPJudge {
	j := &HTTPJudge{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		prompt:   DefaultSystemPrompt,
		budget:   DefaultBudget,
		client:   &http.Client{Timeout: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(j)
	}

	return j
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// verdict is the JSON shape the model is asked to produce. Pointer fields
// distinguish "absent" from "zero": a missing risk_score is malformed,
// a missing confidence defaults to 1.0.
type verdict struct {
	RiskScore  *float64 `json:"risk_score"`
	Confidence *float64 `json:"confidence"`
	Reason     string   `json:"reason"`
	Tags       []string `json:"violation_tags"`
}

// Classify asks the model for a verdict on one tool call.
func (j *HTTPJudge) Classify(ctx context.Context, tool string, args, callCtx map[string]interface{}) risk.Assessment {
	ctx, cancel := context.WithTimeout(ctx, j.budget)
	defer cancel()

	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}
	ctxJSON, err := json.Marshal(callCtx)
	if err != nil {
		ctxJSON = []byte("{}")
	}
	userPrompt := fmt.Sprintf("Analyze this tool call:\nTool: %s\nArguments: %s\nContext: %s",
		tool, argsJSON, ctxJSON)

	body, err := json.Marshal(chatRequest{
		Model: j.model,
		Messages: []chatMessage{
			{Role: "system", Content: j.prompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0,
	})
	if err != nil {
		slog.Warn("judge request marshal failed", "error", err)
		return risk.Unavailable()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		slog.Warn("judge request build failed", "error", err)
		return risk.Unavailable()
	}
	req.Header.Set("Content-Type", "application/json")
	if j.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+j.apiKey)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		slog.Warn("judge unavailable", "tool", tool, "error", err)
		return risk.Unavailable()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("judge returned non-2xx status", "status", resp.StatusCode)
		return risk.Unavailable()
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		slog.Warn("judge response decode failed", "error", err)
		return risk.Unavailable()
	}
	if len(cr.Choices) == 0 {
		slog.Warn("judge response has no choices")
		return risk.Unavailable()
	}

	return parseVerdict(cr.Choices[0].Message.Content)
}

// parseVerdict extracts the JSON verdict from the model reply. Models
// sometimes wrap the object in a markdown fence; the parser retries on the
// outermost brace span before giving up.
func parseVerdict(content string) risk.Assessment {
	var v verdict
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			slog.Warn("judge verdict is not JSON")
			return risk.Unavailable()
		}
		if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
			slog.Warn("judge verdict parse failed", "error", err)
			return risk.Unavailable()
		}
	}

	if v.RiskScore == nil || *v.RiskScore < 0 || *v.RiskScore > 1 {
		slog.Warn("judge verdict risk_score missing or out of range")
		return risk.Unavailable()
	}
	confidence := 1.0
	if v.Confidence != nil {
		if *v.Confidence < 0 || *v.Confidence > 1 {
			slog.Warn("judge verdict confidence out of range")
			return risk.Unavailable()
		}
		confidence = *v.Confidence
	}

	return risk.Assessment{
		Risk:       *v.RiskScore,
		Confidence: confidence,
		Reason:     v.Reason,
		Tags:       v.Tags,
	}
}

// Compile-time interface verification.
var _ risk.Classifier = (*HTTPJudge)(nil)
