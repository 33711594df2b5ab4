package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"paperdash/events"
)

// API is the pull path the store fetches through. *RESTClient is the real
// implementation; tests substitute their own.
type API interface {
	Balance(ctx context.Context, force bool) (events.Balance, error)
	Positions(ctx context.Context, force bool) ([]events.Position, error)
}

// RESTClient consumes the bot's REST surface: GET /balance and
// GET /positions, each accepting ?force=true to bypass server-side caching.
type RESTClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewRESTClient(baseURL string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *RESTClient) Balance(ctx context.Context, force bool) (events.Balance, error) {
	var out events.Balance
	if err := c.get(ctx, "/balance", force, &out); err != nil {
		return events.Balance{}, err
	}
	return out, nil
}

func (c *RESTClient) Positions(ctx context.Context, force bool) ([]events.Position, error) {
	var out []events.Position
	if err := c.get(ctx, "/positions", force, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RESTClient) get(ctx context.Context, path string, force bool, dst any) error {
	u := c.baseURL + path
	if force {
		u += "?" + url.Values{"force": {"true"}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
