package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/refineryhq/refinery/internal/registry"
)

// Scorer grades content. Score returns a value in [0,1]; RunTest reports
// whether one regression case holds. Both must be idempotent for identical
// input within a single evaluation.
type Scorer interface {
	Score(ctx context.Context, content string, bench registry.Benchmark) (float64, error)
	RunTest(ctx context.Context, content string, tc registry.TestCase) (bool, error)
}

const (
	scorePath   = "/v1/score"
	runTestPath = "/v1/run-test"
)

type HTTPScorerConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPScorer calls an external evaluator service. Transient failures are
// retried per call; the per-attempt timeout comes from the config.
type HTTPScorer struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPScorer(cfg HTTPScorerConfig) (*HTTPScorer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("scorer base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPScorer{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (s *HTTPScorer) Score(ctx context.Context, content string, bench registry.Benchmark) (float64, error) {
	payload := map[string]interface{}{
		"content":     content,
		"benchmarkId": bench.ID,
		"name":        bench.Name,
		"minimum":     bench.Minimum,
		"prompt":      bench.Prompt,
	}
	var out struct {
		Score float64 `json:"score"`
	}
	if err := s.post(ctx, scorePath, payload, &out); err != nil {
		return 0, fmt.Errorf("score benchmark %s: %w", bench.ID, err)
	}
	return clamp01(out.Score), nil
}

func (s *HTTPScorer) RunTest(ctx context.Context, content string, tc registry.TestCase) (bool, error) {
	payload := map[string]interface{}{
		"content":   content,
		"testId":    tc.ID,
		"name":      tc.Name,
		"check":     tc.Check,
		"pattern":   tc.Pattern,
		"maxLength": tc.MaxLength,
	}
	var out struct {
		Pass bool `json:"pass"`
	}
	if err := s.post(ctx, runTestPath, payload, &out); err != nil {
		return false, fmt.Errorf("run test %s: %w", tc.ID, err)
	}
	return out.Pass, nil
}

func (s *HTTPScorer) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("scorer marshal request: %w", err)
	}

	attempts := s.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return fmt.Errorf("scorer build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := s.client.Do(httpReq)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			decodeErr := decodeScorerResponse(resp, out)
			resp.Body.Close()
			if decodeErr == nil {
				return nil
			}
			lastErr = decodeErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("scorer request failed: %w", lastErr)
}

func decodeScorerResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 500 {
		return fmt.Errorf("scorer unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scorer rejected request: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("scorer decode response: %w", err)
	}
	return nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
