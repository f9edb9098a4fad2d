package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Scanner is the optional external vulnerability scanner. Implementations
// must honor the context deadline; the aggregator bounds every call.
type Scanner interface {
	Scan(ctx context.Context, code string) ([]string, error)
}

// RiskScorer is the optional external risk scoring service.
type RiskScorer interface {
	Score(ctx context.Context, code string) (score, confidence float64, err error)
}

// HTTPScanner calls a vulnerability scanner over HTTP. The endpoint accepts
// a JSON body {"code": ...} and responds with {"findings": [...]}.
type HTTPScanner struct {
	URL    string
	Client *http.Client
}

// NewHTTPScanner creates a scanner client against the given endpoint.
func NewHTTPScanner(url string, timeout time.Duration) *HTTPScanner {
	return &HTTPScanner{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Scan submits the code and returns the scanner's findings.
func (s *HTTPScanner) Scan(ctx context.Context, code string) ([]string, error) {
	var out struct {
		Findings []string `json:"findings"`
	}
	if err := postJSON(ctx, s.Client, s.URL, code, &out); err != nil {
		return nil, fmt.Errorf("external scan: %w", err)
	}
	return out.Findings, nil
}

// HTTPRiskScorer calls a risk scoring service over HTTP. The endpoint
// accepts {"code": ...} and responds with {"risk_score": ..., "confidence": ...}.
type HTTPRiskScorer struct {
	URL    string
	Client *http.Client
}

// NewHTTPRiskScorer creates a risk scorer client against the given endpoint.
func NewHTTPRiskScorer(url string, timeout time.Duration) *HTTPRiskScorer {
	return &HTTPRiskScorer{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Score submits the code and returns the service's risk score and confidence.
func (r *HTTPRiskScorer) Score(ctx context.Context, code string) (float64, float64, error) {
	var out struct {
		RiskScore  float64 `json:"risk_score"`
		Confidence float64 `json:"confidence"`
	}
	if err := postJSON(ctx, r.Client, r.URL, code, &out); err != nil {
		return 0, 0, fmt.Errorf("risk scoring: %w", err)
	}
	return out.RiskScore, out.Confidence, nil
}

// postJSON POSTs {"code": code} to url and decodes the JSON response into out.
// A non-2xx status is an error.
func postJSON(ctx context.Context, client *http.Client, url, code string, out any) error {
	body, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
