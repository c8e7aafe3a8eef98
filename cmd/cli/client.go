package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// client talks to the execution API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string, timeout time.Duration) *client {
	return &client{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: timeout}}
}

// apiError is a non-2xx response.
type apiError struct {
	Status int
	Body   map[string]any
}

func (e *apiError) Error() string {
	if msg, ok := e.Body["error"].(string); ok {
		return fmt.Sprintf("server returned %d: %s", e.Status, msg)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

func (c *client) do(ctx context.Context, method, path string, query url.Values, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	obj, _ := out.(map[string]any)
	if obj == nil {
		obj = map[string]any{"items": out}
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusServiceUnavailable {
		return obj, &apiError{Status: resp.StatusCode, Body: obj}
	}
	return obj, nil
}

func (c *client) execute(ctx context.Context, path, language, code string, timeoutMS int64) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, path, nil, map[string]any{
		"language":   language,
		"code":       code,
		"timeout_ms": timeoutMS,
	})
}
