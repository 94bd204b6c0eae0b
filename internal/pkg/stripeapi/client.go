package stripeapi

import (
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

	"github.com/cardlinkhq/cardlink/internal/pkg/env"
)

const defaultAPIBaseURL = "https://api.stripe.com/v1"

// Client talks to the processor's REST API directly. Only the read endpoints
// the reconciliation paths need are implemented: retrieving a subscription
// (webhook re-fetch), listing a customer's subscriptions and listing invoices
// (pull reconciliation fallback tiers).
type Client struct {
	SecretKey  string
	APIBaseURL string
	HTTPClient *http.Client
}

// NewClientFromEnv builds a client from STRIPE_SECRET_KEY. Returns nil when
// the key is not configured so callers can degrade to local state.
func NewClientFromEnv() *Client {
	key := strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))
	if key == "" {
		return nil
	}
	return &Client{
		SecretKey:  key,
		APIBaseURL: strings.TrimRight(env.GetEnv("STRIPE_API_BASE_URL", defaultAPIBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// GetSubscription retrieves a subscription with its expanded item list.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	id := strings.TrimSpace(subscriptionID)
	if id == "" {
		return nil, errors.New("subscription id is required")
	}

	var out Subscription
	if err := c.get(ctx, "/subscriptions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSubscriptions returns a customer's subscriptions across all statuses,
// newest first.
func (c *Client) ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	cid := strings.TrimSpace(customerID)
	if cid == "" {
		return nil, errors.New("customer id is required")
	}

	q := url.Values{}
	q.Set("customer", cid)
	q.Set("status", "all")
	q.Set("limit", "10")

	var out struct {
		Data []Subscription `json:"data"`
	}
	if err := c.get(ctx, "/subscriptions", q, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ListInvoices returns a customer's most recent invoices, newest first.
func (c *Client) ListInvoices(ctx context.Context, customerID string, limit int) ([]Invoice, error) {
	cid := strings.TrimSpace(customerID)
	if cid == "" {
		return nil, errors.New("customer id is required")
	}
	if limit <= 0 {
		limit = 1
	}

	q := url.Values{}
	q.Set("customer", cid)
	q.Set("limit", strconv.Itoa(limit))

	var out struct {
		Data []Invoice `json:"data"`
	}
	if err := c.get(ctx, "/invoices", q, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, v any) error {
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("STRIPE_SECRET_KEY is not configured")
	}

	base := c.APIBaseURL
	if base == "" {
		base = defaultAPIBaseURL
	}
	u, err := url.Parse(base + path)
	if err != nil {
		return err
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stripe request %s failed: status=%d body=%s", path, resp.StatusCode, string(body))
	}

	return json.Unmarshal(body, v)
}
