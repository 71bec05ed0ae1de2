// Package mlscore calls the external ML inference boundary and
// normalizes its output into a threat confidence. The call is a single
// round trip with no retry; callers that want retry wrap it. Failure
// is recoverable by design: the event continues through triage with a
// neutral score rather than being dropped.
package mlscore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/warden/internal/features"
)

const defaultTimeout = 10 * time.Second

// Client scores feature vectors against an HTTP inference endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a scoring client for the given inference endpoint.
func New(endpoint string) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// response is the inference boundary's wire format.
type response struct {
	Predictions  []float64 `json:"predictions"`
	ModelVersion string    `json:"model_version"`
}

// Score sends the feature vector and returns an Assessment. On
// transport or decoding failure it returns a zero score with the Error
// field set; it never returns a Go error because scoring failure must
// not stop the pipeline.
func (c *Client) Score(ctx context.Context, vec features.Vector) Assessment {
	score, version, err := c.invoke(ctx, vec)
	now := time.Now().UTC()
	if err != nil {
		return Assessment{
			ThreatScore: 0.0,
			EvaluatedAt: now,
			Error:       err.Error(),
		}
	}

	label := "benign"
	if score >= 0.5 {
		label = "suspicious"
	}

	return Assessment{
		ThreatScore:     score,
		PredictionLabel: label,
		ModelVersion:    version,
		EvaluatedAt:     now,
	}
}

func (c *Client) invoke(ctx context.Context, vec features.Vector) (float64, string, error) {
	body, err := json.Marshal(vec)
	if err != nil {
		return 0, "", fmt.Errorf("marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("invoke endpoint: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("inference endpoint returned %d: %s", resp.StatusCode, respBody)
	}

	var out response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return 0, "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Predictions) == 0 {
		return 0, "", fmt.Errorf("inference response carried no predictions")
	}

	version := out.ModelVersion
	if version == "" {
		version = "1.0"
	}
	return out.Predictions[0], version, nil
}
