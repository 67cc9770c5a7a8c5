package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"recurflow/internal/domain"
)

// Webhook posts the work request to an external report builder. A 2xx
// response with {"artifact": "..."} yields the artifact reference.
type Webhook struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

type webhookResponse struct {
	Artifact string `json:"artifact"`
}

func (h Webhook) Generate(ctx context.Context, s domain.Schedule, windowStart, now time.Time) (string, error) {
	if h.URL == "" {
		return "", fmt.Errorf("URL is required")
	}
	body, err := json.Marshal(newWorkRequest(s, windowStart, now))
	if err != nil {
		return "", fmt.Errorf("failed to encode work request: %w", err)
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s@%d", s.ID, s.NextRunAt.UnixNano()))
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	var out webhookResponse
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return "", fmt.Errorf("invalid builder response: %w", err)
		}
	}
	return out.Artifact, nil
}
