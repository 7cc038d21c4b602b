// Package predict talks to the external prediction service over HTTP.
// The service runs its own model lifecycle; this client only asks it for
// a recommendation on a breakout the engine is about to signal.
package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"options-core/internal/signal"
)

// Client implements signal.Advisor against the prediction service's
// /predict endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the service at baseURL. The timeout bounds
// the whole request; callers should keep it short since the engine waits
// on the answer.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type predictRequest struct {
	IndexName    string            `json:"indexName"`
	CurrentPrice float64           `json:"currentPrice"`
	Indicators   predictIndicators `json:"indicators"`
}

type predictIndicators struct {
	EMA      float64 `json:"ema"`
	RSI      float64 `json:"rsi"`
	Momentum float64 `json:"momentum"`
}

type predictResponse struct {
	Success        bool `json:"success"`
	Recommendation struct {
		Action     string  `json:"action"`
		Confidence float64 `json:"confidence"`
	} `json:"tradingRecommendation"`
	Confidence float64 `json:"confidence"`
}

// Advise posts the breakout context to /predict and maps the service's
// recommendation into an Advice.
func (c *Client) Advise(ctx context.Context, instrument string, price float64, ind signal.IndicatorSnapshot) (signal.Advice, error) {
	body, err := json.Marshal(predictRequest{
		IndexName:    instrument,
		CurrentPrice: price,
		Indicators: predictIndicators{
			EMA:      ind.EMA,
			RSI:      ind.RSI,
			Momentum: ind.PercentChange,
		},
	})
	if err != nil {
		return signal.Advice{}, fmt.Errorf("encoding predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return signal.Advice{}, fmt.Errorf("building predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return signal.Advice{}, fmt.Errorf("calling prediction service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return signal.Advice{}, fmt.Errorf("prediction service returned %d", resp.StatusCode)
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return signal.Advice{}, fmt.Errorf("decoding predict response: %w", err)
	}
	if !pr.Success {
		return signal.Advice{}, fmt.Errorf("prediction service reported failure")
	}

	conf := pr.Recommendation.Confidence
	if conf == 0 {
		conf = pr.Confidence
	}
	return signal.Advice{
		Action:     pr.Recommendation.Action,
		Confidence: conf,
	}, nil
}
