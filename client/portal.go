package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Record is a wave as the portal shows it.
type Record struct {
	Address   string    `json:"address"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Signature string    `json:"signature,omitempty"`
	Source    string    `json:"source"`
}

// Notification is a transient message in the portal's queue.
type Notification struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"` // info, success, warning, error
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Pending describes the wave awaiting confirmation.
type Pending struct {
	Handle      string    `json:"handle"`
	SubmittedAt time.Time `json:"submitted_at"`
	State       string    `json:"state"`
}

// State is the portal's render state.
type State struct {
	Account            string         `json:"account"`
	PendingMessageText string         `json:"pending_message_text"`
	Records            []Record       `json:"records"`
	Notifications      []Notification `json:"notifications"`
	InFlight           bool           `json:"in_flight"`
	Pending            *Pending       `json:"pending,omitempty"`
	TotalWaves         int            `json:"total_waves"`
	FeedActive         bool           `json:"feed_active"`
}

// SubmitResult describes a mined wave.
type SubmitResult struct {
	Handle    string    `json:"handle"`
	Slot      uint64    `json:"slot,omitempty"`
	BlockTime time.Time `json:"block_time"`
	Address   string    `json:"address"`
	Message   string    `json:"message"`
}

// Wave is an archived wave.
type Wave struct {
	Address   string    `json:"address"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Signature *string   `json:"signature,omitempty"`
	Slot      int64     `json:"slot,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListWavesOptions filters the archive listing.
type ListWavesOptions struct {
	Address string
	Limit   int
	Offset  int
}

// APIError is a non-success response from the portal server.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("request failed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("request failed: %s", e.Message)
}

// ErrNotFound is matched by errors.Is for 404 responses.
var ErrNotFound = errors.New("not found")

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client is the HTTP client for the wave portal server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new portal client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// State fetches the current render state.
func (c *Client) State(ctx context.Context) (*State, error) {
	var st State
	if err := c.do(ctx, http.MethodGet, "/api/v1/state", nil, http.StatusOK, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Connect asks the server's wallet for access.
func (c *Client) Connect(ctx context.Context) (*State, error) {
	var st State
	if err := c.do(ctx, http.MethodPost, "/api/v1/connect", nil, http.StatusOK, &st); err != nil {
		return nil, err
	}
	c.logger.Debug("wallet connected", "account", st.Account)
	return &st, nil
}

// SetMessage replaces the pending message text.
func (c *Client) SetMessage(ctx context.Context, text string) (*State, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	var st State
	if err := c.do(ctx, http.MethodPut, "/api/v1/message", body, http.StatusOK, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Submit sends the pending message. Without wait the server accepts the
// submission and the result is nil; follow progress with Stream.
func (c *Client) Submit(ctx context.Context, wait bool) (*SubmitResult, error) {
	if !wait {
		if err := c.do(ctx, http.MethodPost, "/api/v1/submit", nil, http.StatusAccepted, nil); err != nil {
			return nil, err
		}
		c.logger.Debug("wave submitted")
		return nil, nil
	}

	var res SubmitResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/submit?wait=true", nil, http.StatusOK, &res); err != nil {
		return nil, err
	}
	c.logger.Debug("wave mined", "handle", res.Handle, "slot", res.Slot)
	return &res, nil
}

// Refresh asks the server to re-read the log.
func (c *Client) Refresh(ctx context.Context) (*State, error) {
	var st State
	if err := c.do(ctx, http.MethodPost, "/api/v1/refresh", nil, http.StatusOK, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Dismiss closes a notification.
func (c *Client) Dismiss(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/notifications/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// ListWaves lists archived waves, newest first.
func (c *Client) ListWaves(ctx context.Context, opts ListWavesOptions) ([]*Wave, error) {
	q := url.Values{}
	if opts.Address != "" {
		q.Set("address", opts.Address)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/api/v1/waves"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var response struct {
		Waves []*Wave `json:"waves"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Waves, nil
}

// Stream calls fn with every state snapshot the server pushes until ctx
// ends, the server closes the stream, or fn returns an error. The first
// snapshot is the state at connect time.
func (c *Client) Stream(ctx context.Context, fn func(*State) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/stream", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any client timeout.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to state stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if event == "state" && data != "" {
				var st State
				if err := json.Unmarshal([]byte(data), &st); err != nil {
					c.logger.Warn("skipping malformed state frame", "error", err)
				} else if err := fn(&st); err != nil {
					return err
				}
			}
			event, data = "", ""
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("error reading state stream: %w", err)
	}
	return nil
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	return &APIError{StatusCode: resp.StatusCode, Kind: errResp.Kind, Message: errResp.Error}
}
