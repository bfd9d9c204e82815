package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBytes = 4 << 20

// HTTPRunner calls engines over HTTP at <baseURL>/engines/<name>/run.
type HTTPRunner struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPRunner constructs an HTTP engine client.
func NewHTTPRunner(baseURL, apiKey string, timeout time.Duration) (*HTTPRunner, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("ENGINE_BASE_URL is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid ENGINE_BASE_URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPRunner{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type runResponse struct {
	EngineVersion  string         `json:"engineVersion"`
	Payload        map[string]any `json:"payload"`
	Sources        []Citation     `json:"sources"`
	CitedSourceIDs []string       `json:"citedSourceIds"`
	Error          *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (r *HTTPRunner) RunEngine(ctx context.Context, engineName string, dc DealContext) (Output, error) {
	payload, err := json.Marshal(dc)
	if err != nil {
		return Output{}, err
	}

	endpoint := fmt.Sprintf("%s/engines/%s/run", r.baseURL, url.PathEscape(engineName))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Output{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return Output{}, fmt.Errorf("engine %s request timeout: %w", engineName, err)
		}
		return Output{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Output{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Output{}, fmt.Errorf("engine %s: http status %d: %s", engineName, resp.StatusCode, truncate(string(body), 200))
	}

	var parsed runResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Output{}, fmt.Errorf("engine %s response parse: %w", engineName, err)
	}
	if parsed.Error != nil {
		return Output{}, fmt.Errorf("engine %s error: %s (%s)", engineName, parsed.Error.Message, parsed.Error.Type)
	}
	return Output{
		EngineName:     engineName,
		EngineVersion:  parsed.EngineVersion,
		Payload:        parsed.Payload,
		Sources:        parsed.Sources,
		CitedSourceIDs: parsed.CitedSourceIDs,
	}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ Runner = (*HTTPRunner)(nil)
