package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/wagate/internal/config"
)

// envServer overrides the server base URL for the tenants commands.
const envServer = "WAGATE_SERVER"

// apiError is a non-2xx response from the gateway.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("request failed (%d): %s", e.Status, e.Message)
}

type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func tenantPath(tenantID string, parts ...string) string {
	path := "/v1/tenants/" + url.PathEscape(tenantID)
	for _, p := range parts {
		path += "/" + p
	}
	return path
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, payload, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, payload, out)
}

func (c *apiClient) delete(ctx context.Context, path string) error {
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *apiClient) getBytes(ctx context.Context, path string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do sends the request and converts non-2xx responses into *apiError.
func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr != nil {
		return nil, fmt.Errorf("request %s failed: %s (read body: %w)", path, resp.Status, readErr)
	}
	apiErr := &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}
	return nil, apiErr
}

// isCode reports whether err is an API error with the given code.
func isCode(err error, code string) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// resolveHTTPBaseURL picks the server URL from the flag, WAGATE_SERVER, or
// the configured listen address, in that order.
func resolveHTTPBaseURL(configPath, serverAddr string) (string, error) {
	addr := strings.TrimSpace(serverAddr)
	if addr == "" {
		addr = strings.TrimSpace(os.Getenv(envServer))
	}
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		host := cfg.Server.Host
		if strings.TrimSpace(host) == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		addr = fmt.Sprintf("%s:%d", host, cfg.Server.HTTPPort)
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/"), nil
	}
	return "http://" + strings.TrimRight(addr, "/"), nil
}
