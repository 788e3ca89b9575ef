package crowdworksdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Crowdwork ops API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// BoomerangLog is one recorded threshold change.
type BoomerangLog struct {
	ID              int64   `json:"id"`
	ObjectID        int64   `json:"object_id"`
	ObjectType      string  `json:"object_type"`
	MinRating       float64 `json:"min_rating"`
	RatingUpdatedAt *string `json:"rating_updated_at,omitempty"`
	Reason          string  `json:"reason"`
	CreatedAt       string  `json:"created_at"`
}

// WorkerStats are the cached lifecycle counters for one worker.
type WorkerStats struct {
	WorkerID   string `json:"worker_id"`
	InProgress int64  `json:"in_progress"`
	Submitted  int64  `json:"submitted"`
	Approved   int64  `json:"approved"`
	Rejected   int64  `json:"rejected"`
	Returned   int64  `json:"returned"`
}

// Project is the API project revision model (partial).
type Project struct {
	ID        int64   `json:"id"`
	GroupID   int64   `json:"group_id"`
	OwnerID   string  `json:"owner_id"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	Price     string  `json:"price"`
	MinRating float64 `json:"min_rating"`
	AmountDue string  `json:"amount_due"`
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	base := strings.TrimRight(c.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		return err
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Health checks the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil)
}

// BoomerangLogs returns recent threshold changes, newest first.
func (c *Client) BoomerangLogs(ctx context.Context, limit int) ([]BoomerangLog, error) {
	path := "/v0/boomerang/logs"
	if limit > 0 {
		path += "?limit=" + url.QueryEscape(fmt.Sprint(limit))
	}
	var out struct {
		Logs []BoomerangLog `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// WorkerStats returns one worker's cached counters.
func (c *Client) WorkerStats(ctx context.Context, workerID string) (WorkerStats, error) {
	var out WorkerStats
	err := c.do(ctx, http.MethodGet, "/v0/workers/"+url.PathEscape(workerID)+"/stats", &out)
	return out, err
}

// Projects lists every project revision.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var out struct {
		Projects []Project `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, "/v0/projects", &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// RunJob triggers a registered background job by name.
func (c *Client) RunJob(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/v0/jobs/"+url.PathEscape(name)+"/run", nil)
}
