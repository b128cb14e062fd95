package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fxgrid/trading-orchestrator/pkg/types"
)

// Prediction is the output of an ML enhancer for one signal.
type Prediction struct {
	Direction  types.Decision `json:"direction"`
	Confidence float64        `json:"confidence"`
}

// Predictor is the optional ML capability consulted during composition.
type Predictor interface {
	Predict(ctx context.Context, symbol string, features map[string]float64) (Prediction, error)
}

// SentimentProvider is the optional sentiment capability; scores are in
// [-1, 1], positive meaning bullish.
type SentimentProvider interface {
	Score(ctx context.Context, symbol string) (float64, error)
}

// NullPredictor is the default enhancer: it agrees with everything at full
// confidence, so composition is a no-op.
type NullPredictor struct{}

// Predict mirrors the base direction with confidence 1.
func (NullPredictor) Predict(_ context.Context, _ string, _ map[string]float64) (Prediction, error) {
	return Prediction{Direction: types.DecisionHold, Confidence: 1}, nil
}

// NullSentiment is the default filter: always neutral.
type NullSentiment struct{}

// Score returns a neutral sentiment.
func (NullSentiment) Score(context.Context, string) (float64, error) { return 0, nil }

// HTTPPredictor calls an external model service over JSON.
type HTTPPredictor struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPPredictor creates a predictor against the model service at url.
func NewHTTPPredictor(url string, logger *zap.Logger) *HTTPPredictor {
	return &HTTPPredictor{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("ml-predictor"),
	}
}

// Predict posts the feature vector and decodes the model's direction and
// confidence.
func (p *HTTPPredictor) Predict(ctx context.Context, symbol string, features map[string]float64) (Prediction, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"symbol":   symbol,
		"features": features,
	})
	if err != nil {
		return Prediction{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/predict", bytes.NewReader(payload))
	if err != nil {
		return Prediction{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("ml predict: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Prediction{}, fmt.Errorf("ml predict: status %d", resp.StatusCode)
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return Prediction{}, fmt.Errorf("ml predict: decode: %w", err)
	}
	return pred, nil
}

// HTTPSentiment calls an external sentiment service over JSON.
type HTTPSentiment struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPSentiment creates a sentiment provider against the service at url.
func NewHTTPSentiment(url string, logger *zap.Logger) *HTTPSentiment {
	return &HTTPSentiment{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("sentiment"),
	}
}

// Score fetches the symbol's sentiment score.
func (s *HTTPSentiment) Score(ctx context.Context, symbol string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+"/sentiment?symbol="+symbol, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sentiment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("sentiment: status %d", resp.StatusCode)
	}

	var out struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("sentiment: decode: %w", err)
	}
	if out.Score < -1 || out.Score > 1 {
		return 0, fmt.Errorf("sentiment: score %f out of range", out.Score)
	}
	return out.Score, nil
}
