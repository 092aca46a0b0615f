// Package verifier is the boundary to the external scoring service.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ScoreRequest describes one job to score.
type ScoreRequest struct {
	JobID      string          `json:"job_id"`
	InputsHash string          `json:"inputs_hash"`
	Spec       json.RawMessage `json:"spec"`
}

// ScoreResponse is the verifier's verdict, a quality score in [0, 1] with a
// free-form report.
type ScoreResponse struct {
	Score  float64         `json:"score"`
	Report json.RawMessage `json:"report,omitempty"`
}

// Scorer scores jobs. The verifier is untrusted for liveness: callers bound
// it with the ctx deadline and fail closed on error.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error)
}

// Client calls the remote verifier over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a verifier client. timeout bounds each request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// Score implements Scorer.
func (c *Client) Score(ctx context.Context, req ScoreRequest) (*ScoreResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("verifier: /score returned %d", resp.StatusCode)
	}
	var out ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("verifier: decode response: %w", err)
	}
	if out.Score < 0 || out.Score > 1 {
		return nil, fmt.Errorf("verifier: score %v out of range", out.Score)
	}
	return &out, nil
}

// Fixed returns a Scorer that always reports the same score. Dev and test
// stand-in for the real verifier.
func Fixed(score float64) Scorer {
	return fixedScorer(score)
}

type fixedScorer float64

func (f fixedScorer) Score(_ context.Context, req ScoreRequest) (*ScoreResponse, error) {
	report, _ := json.Marshal(map[string]string{"job_id": req.JobID, "mode": "fixed"})
	return &ScoreResponse{Score: float64(f), Report: report}, nil
}
