package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OptimizeResult is the outcome of one external optimization call. Scores
// are on the 0-100 ATS scale.
type OptimizeResult struct {
	OptimizedText   string
	OriginalScore   int
	ImprovedScore   int
	Recommendations []string
}

// Optimizer is the external text-analysis collaborator. Implementations may
// fail with ErrServiceUnavailable when the hosted model cannot be reached.
type Optimizer interface {
	Optimize(ctx context.Context, text, jobDescription string) (OptimizeResult, error)
}

// HTTPOptimizerConfig configures the hosted-model client.
type HTTPOptimizerConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// HTTPOptimizer calls a hosted optimization model over HTTPS. No request
// timeout is applied beyond the caller's context; jobs have no
// server-imposed maximum duration.
type HTTPOptimizer struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPOptimizer constructs the client. An empty base URL is legal and
// yields ErrServiceUnavailable on every call, which the runner records as a
// distinguished terminal failure.
func NewHTTPOptimizer(cfg HTTPOptimizerConfig) *HTTPOptimizer {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPOptimizer{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  cfg.APIKey,
		client:  client,
	}
}

type optimizeRequestPayload struct {
	Text           string `json:"text"`
	JobDescription string `json:"job_description,omitempty"`
}

type optimizeResponsePayload struct {
	OptimizedText   string   `json:"optimized_text"`
	OriginalScore   int      `json:"original_score"`
	ImprovedScore   int      `json:"improved_score"`
	Recommendations []string `json:"recommendations"`
}

// Optimize submits the CV text (and job description, when supplied) to the
// hosted model and returns the rewritten text with before/after scores.
func (o *HTTPOptimizer) Optimize(ctx context.Context, text, jobDescription string) (OptimizeResult, error) {
	if o.baseURL == "" {
		return OptimizeResult{}, fmt.Errorf("%w: base url not configured", ErrServiceUnavailable)
	}

	body, err := json.Marshal(optimizeRequestPayload{Text: text, JobDescription: jobDescription})
	if err != nil {
		return OptimizeResult{}, fmt.Errorf("pipeline: encode optimize request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/optimize", bytes.NewReader(body))
	if err != nil {
		return OptimizeResult{}, fmt.Errorf("pipeline: build optimize request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	response, err := o.client.Do(request)
	if err != nil {
		return OptimizeResult{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode == http.StatusUnauthorized,
		response.StatusCode == http.StatusForbidden,
		response.StatusCode >= http.StatusInternalServerError:
		return OptimizeResult{}, fmt.Errorf("%w: upstream status %d", ErrServiceUnavailable, response.StatusCode)
	default:
		return OptimizeResult{}, fmt.Errorf("pipeline: optimize rejected with status %d", response.StatusCode)
	}

	var payload optimizeResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return OptimizeResult{}, fmt.Errorf("pipeline: decode optimize response: %w", err)
	}
	if strings.TrimSpace(payload.OptimizedText) == "" {
		return OptimizeResult{}, fmt.Errorf("pipeline: optimize response carried no text")
	}

	return OptimizeResult{
		OptimizedText:   payload.OptimizedText,
		OriginalScore:   clampScore(payload.OriginalScore),
		ImprovedScore:   clampScore(payload.ImprovedScore),
		Recommendations: payload.Recommendations,
	}, nil
}

func clampScore(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
