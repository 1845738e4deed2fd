package proposal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/refineryhq/refinery/internal/models"
)

// ErrNoDraft is returned when the generator has nothing to offer for the
// request; the cycle finishes NO_PROPOSAL.
var ErrNoDraft = errors.New("generator produced no draft")

// Request carries what a generator needs to draft an improvement.
type Request struct {
	TargetID        string `json:"targetId"`
	Category        string `json:"category"`
	BaselineVersion string `json:"baselineVersion"`
	Content         string `json:"content"`
	Goal            string `json:"goal"`
}

// Draft is a generator's raw output before engine validation.
type Draft struct {
	Changes              []models.Edit   `json:"changes"`
	PredictedImprovement float64         `json:"predictedImprovement"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Draft, error)
}

type HTTPGeneratorConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPGenerator delegates drafting to an external service.
type HTTPGenerator struct {
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPGenerator(cfg HTTPGeneratorConfig) (*HTTPGenerator, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("generator base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/v1/generate"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPGenerator{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (Draft, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Draft{}, fmt.Errorf("generator marshal request: %w", err)
	}

	attempts := g.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return Draft{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.baseURL+g.path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return Draft{}, fmt.Errorf("generator build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := g.client.Do(httpReq)
		cancel()
		if err != nil {
			lastErr = err
		} else {
			draft, decodeErr := decodeDraft(resp)
			resp.Body.Close()
			if decodeErr == nil {
				return draft, nil
			}
			if errors.Is(decodeErr, ErrNoDraft) {
				return Draft{}, decodeErr
			}
			lastErr = decodeErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return Draft{}, fmt.Errorf("generate draft failed: %w", lastErr)
}

func decodeDraft(resp *http.Response) (Draft, error) {
	if resp.StatusCode == http.StatusNoContent {
		return Draft{}, ErrNoDraft
	}
	if resp.StatusCode >= 500 {
		return Draft{}, fmt.Errorf("generator unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return Draft{}, fmt.Errorf("generator rejected request: %s", resp.Status)
	}
	var draft Draft
	if err := json.NewDecoder(resp.Body).Decode(&draft); err != nil {
		return Draft{}, fmt.Errorf("generator decode response: %w", err)
	}
	return draft, nil
}

// StaticGenerator serves pre-configured drafts in order, for local mode and
// tests. Once exhausted it reports ErrNoDraft.
type StaticGenerator struct {
	mu     sync.Mutex
	drafts []Draft
}

func NewStaticGenerator(drafts ...Draft) *StaticGenerator {
	return &StaticGenerator{drafts: drafts}
}

func (g *StaticGenerator) Generate(_ context.Context, _ Request) (Draft, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.drafts) == 0 {
		return Draft{}, ErrNoDraft
	}
	d := g.drafts[0]
	g.drafts = g.drafts[1:]
	return d, nil
}
