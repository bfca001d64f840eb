package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Client talks to the catalog REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientConfig groups client settings.
type ClientConfig struct {
	BaseURL string
	Token   string
	// RatePerSecond caps outbound requests; zero disables the cap.
	RatePerSecond int
	Timeout       time.Duration
}

// NewClient constructs a new client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond)
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

// LookupProduct fetches GET {base}/products/{id}.
func (c *Client) LookupProduct(ctx context.Context, id string) (Product, error) {
	if id == "" {
		return Product{}, ErrNotFound
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return Product{}, fmt.Errorf("catalog: rate limit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/products/%s", c.baseURL, url.PathEscape(id)), nil)
	if err != nil {
		return Product{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Product{}, fmt.Errorf("catalog: get product %s: %w", id, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Product{}, ErrNotFound
	case resp.StatusCode >= 400:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Product{}, fmt.Errorf("catalog: get product %s: status %d", id, resp.StatusCode)
	}

	var product Product
	if err := json.NewDecoder(resp.Body).Decode(&product); err != nil {
		return Product{}, fmt.Errorf("catalog: decode product %s: %w", id, err)
	}
	// Some deployments answer 200 with an empty body for deleted products.
	if product.ID == "" {
		return Product{}, ErrNotFound
	}
	return product, nil
}
