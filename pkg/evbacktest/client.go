// Package evbacktest is a Go client for the evbacktest-server HTTP API.
package evbacktest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"evbacktest/internal/api"
)

// Wire types shared with the server.
type (
	BacktestRequest = api.BacktestRequest
	SweepRequest    = api.SweepRequest
	Run             = api.RunJSON
	Fill            = api.FillJSON
	Bar             = api.BarJSON
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("evbacktest: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the HTTP API or a NotFound
// status from the gRPC service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusNotFound
	}
	return status.Code(err) == codes.NotFound
}

// Client provides a Go SDK for interacting with the evbacktest-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new evbacktest API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.do(ctx, http.MethodGet, "/health", nil, &out)
}

// Strategies lists the registered strategy names.
func (c *Client) Strategies(ctx context.Context) ([]string, error) {
	var out api.StrategiesResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/strategies", nil, &out); err != nil {
		return nil, err
	}
	return out.Strategies, nil
}

// Backtest runs one backtest on the server.
func (c *Client) Backtest(ctx context.Context, req BacktestRequest) (*Run, error) {
	var out Run
	if err := c.do(ctx, http.MethodPost, "/api/v1/backtest", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sweep runs a parameter grid, best result first.
func (c *Client) Sweep(ctx context.Context, req SweepRequest) ([]Run, error) {
	var out api.SweepResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/backtest/sweep", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// RunsQuery filters ListRuns. Zero fields are not sent.
type RunsQuery struct {
	Symbol   string
	Strategy string
	Limit    int
}

// ListRuns returns stored run summaries, newest first.
func (c *Client) ListRuns(ctx context.Context, q RunsQuery) ([]Run, error) {
	v := url.Values{}
	if q.Symbol != "" {
		v.Set("symbol", q.Symbol)
	}
	if q.Strategy != "" {
		v.Set("strategy", q.Strategy)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	var out api.RunsResponse
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v1/runs", v), nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// GetRun returns a stored run with its fills.
func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	var out Run
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBars retrieves daily bars for a symbol. Zero times leave the range to
// the server defaults.
func (c *Client) GetBars(ctx context.Context, symbol, market string, start, end time.Time) ([]Bar, error) {
	v := url.Values{"symbol": {symbol}}
	if market != "" {
		v.Set("market", market)
	}
	if !start.IsZero() {
		v.Set("start", start.Format(time.DateOnly))
	}
	if !end.IsZero() {
		v.Set("end", end.Format(time.DateOnly))
	}
	var out api.BarsResponse
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v1/bars", v), nil, &out); err != nil {
		return nil, err
	}
	return out.Bars, nil
}

func withQuery(path string, v url.Values) string {
	if len(v) == 0 {
		return path
	}
	return path + "?" + v.Encode()
}

// do sends a request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error.Code == "" {
			return &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: "unexpected error body"}
		}
		return &APIError{Status: resp.StatusCode, Code: e.Error.Code, Message: e.Error.Message}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}
