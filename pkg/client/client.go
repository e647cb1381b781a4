package client

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dougsko/sqandr/pkg/monitor"
	"github.com/dougsko/sqandr/pkg/protocol"
	"github.com/dougsko/sqandr/pkg/storage"
)

// APIClient talks to the daemon's HTTP status API
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a client for the daemon at baseURL, e.g.
// http://127.0.0.1:8080
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// SetTimeout changes the per-request timeout
func (c *APIClient) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// get fetches path and decodes the JSON body into out. Non-2xx responses are
// turned into errors carrying the server's error message.
func (c *APIClient) get(path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	resp, err := c.httpClient.Get(u)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", path, apiErr.Error)
		}
		return fmt.Errorf("%s: unexpected status %s", path, resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	return nil
}

// GetStatus gets the current link status
func (c *APIClient) GetStatus() (*protocol.LinkStatus, error) {
	var status protocol.LinkStatus
	if err := c.get("/api/v1/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetFrames gets recent frames from the daemon's frame log. direction may be
// "RX", "TX" or empty for both.
func (c *APIClient) GetFrames(limit int, direction string) ([]protocol.Frame, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if direction != "" {
		query.Set("direction", direction)
	}

	var resp struct {
		Frames []protocol.Frame `json:"frames"`
		Count  int              `json:"count"`
	}
	if err := c.get("/api/v1/frames", query, &resp); err != nil {
		return nil, err
	}

	// Data is not part of the JSON form; rebuild it from the hex field.
	for i := range resp.Frames {
		data, err := hex.DecodeString(resp.Frames[i].Hex)
		if err != nil {
			return nil, fmt.Errorf("frame %d has malformed hex: %w", resp.Frames[i].ID, err)
		}
		resp.Frames[i].Data = data
	}
	if resp.Frames == nil {
		resp.Frames = []protocol.Frame{}
	}
	return resp.Frames, nil
}

// GetFrameStats gets frame log totals
func (c *APIClient) GetFrameStats() (*storage.FrameStats, error) {
	var stats storage.FrameStats
	if err := c.get("/api/v1/frames/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetSignal gets the latest signal monitor analysis
func (c *APIClient) GetSignal() (*monitor.SignalLevels, error) {
	var resp struct {
		Levels monitor.SignalLevels `json:"levels"`
	}
	if err := c.get("/api/v1/signal", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Levels, nil
}

// Ping tests the connection
func (c *APIClient) Ping() error {
	return c.get("/api/v1/ping", nil, nil)
}

// IsConnected tests if the daemon is reachable
func (c *APIClient) IsConnected() bool {
	return c.Ping() == nil
}
