package daemon

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

	"github.com/yairfalse/sweep/orchestrator"
	"github.com/yairfalse/sweep/storage"
	"github.com/yairfalse/sweep/types"
)

// APIError is a non-2xx response from the daemon
type APIError struct {
	Status  int
	Message string
	ScanID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.Status)
}

// Unwrap maps the status back onto the service error it came from
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return types.ErrNotFound
	case http.StatusConflict:
		return types.ErrScanActive
	case http.StatusTooManyRequests:
		return types.ErrConcurrencyExceeded
	case http.StatusServiceUnavailable:
		if strings.Contains(e.Message, types.ErrDirectoryUnavailable.Error()) {
			return types.ErrDirectoryUnavailable
		}
		return orchestrator.ErrClosed
	default:
		return nil
	}
}

// Client talks to a running daemon and implements Service
type Client struct {
	base string
	http *http.Client
}

var _ Service = (*Client)(nil)

// NewClient creates a client for the daemon at base, e.g. "http://127.0.0.1:8080".
// A bare host:port is accepted.
func NewClient(base string, hc *http.Client) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

func (c *Client) StartScan(ctx context.Context, targets types.Targets) (string, error) {
	var out StartScanResponse
	err := c.do(ctx, http.MethodPost, "/api/scans", nil, targets, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.ScanID, err
		}
		return "", err
	}
	return out.ScanID, nil
}

func (c *Client) GetScan(ctx context.Context, id string) (*types.ScanRecord, error) {
	var rec types.ScanRecord
	if err := c.do(ctx, http.MethodGet, "/api/scans/"+url.PathEscape(id), nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) ListScans(ctx context.Context, q storage.ScanQuery) ([]*types.ScanRecord, error) {
	params := url.Values{}
	for _, s := range q.States {
		params.Add("state", string(s))
	}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	setPage(params, q.Limit, q.Offset)

	var recs []*types.ScanRecord
	if err := c.do(ctx, http.MethodGet, "/api/scans", params, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *Client) QueryResults(ctx context.Context, id string, q storage.ResultQuery) ([]types.ResultItem, error) {
	params := url.Values{}
	if q.Service != "" {
		params.Set("service", q.Service)
	}
	if q.Region != "" {
		params.Set("region", q.Region)
	}
	if q.Operation != "" {
		params.Set("operation", q.Operation)
	}
	setPage(params, q.Limit, q.Offset)

	var items []types.ResultItem
	if err := c.do(ctx, http.MethodGet, "/api/scans/"+url.PathEscape(id)+"/results", params, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) DeleteScan(ctx context.Context, id string) (int, error) {
	var out DeleteScanResponse
	if err := c.do(ctx, http.MethodDelete, "/api/scans/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return 0, err
	}
	return out.ResultsDeleted, nil
}

func (c *Client) CancelScan(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/scans/"+url.PathEscape(id)+"/cancel", nil, nil, nil)
}

// OpenLog streams a log; the caller closes the reader
func (c *Client) OpenLog(ctx context.Context, id, stream string) (io.ReadCloser, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/scans/"+url.PathEscape(id)+"/logs/"+url.PathEscape(stream), nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) Stats(ctx context.Context) (orchestrator.Stats, error) {
	var st orchestrator.Stats
	err := c.do(ctx, http.MethodGet, "/api/stats", nil, nil, &st)
	return st, err
}

func (c *Client) Purge(ctx context.Context, cutoff time.Time) (orchestrator.PurgeStats, error) {
	var st orchestrator.PurgeStats
	err := c.do(ctx, http.MethodPost, "/api/purge", nil, PurgeRequest{Before: cutoff}, &st)
	return st, err
}

// Health returns the daemon health status
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var h HealthStatus
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &h)
	return h, err
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, in, out any) error {
	resp, err := c.send(ctx, method, path, params, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// send performs the request and returns the response when its status is 2xx
func (c *Client) send(ctx context.Context, method, path string, params url.Values, in any) (*http.Response, error) {
	u := c.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var payload map[string]string
	if json.NewDecoder(io.LimitReader(resp.Body, maxRequestBody)).Decode(&payload) == nil {
		if msg := payload["error"]; msg != "" {
			apiErr.Message = msg
		}
		apiErr.ScanID = payload["scan_id"]
	}
	return nil, apiErr
}

func setPage(params url.Values, limit, offset int) {
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
}
