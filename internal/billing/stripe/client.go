package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/paygate/internal/billing/domain"
)

// SubscriptionResource is the subset of the provider subscription object used
// to enrich thin checkout payloads.
type SubscriptionResource struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Status             domain.Status
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAt           *time.Time
	CanceledAt         *time.Time
}

// Client is a minimal Stripe API client covering subscription lookups and
// checkout-session creation.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient builds a Client against the given API base URL.
func NewClient(apiKey, baseURL string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
	}
}

// GetSubscription fetches the full subscription object for id.
func (c *Client) GetSubscription(ctx context.Context, id string) (*SubscriptionResource, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("subscription id is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/subscriptions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	var sub stripeSubscription
	if err := c.do(req, &sub); err != nil {
		return nil, err
	}

	resource := &SubscriptionResource{
		ID:                 sub.ID,
		CustomerID:         strings.TrimSpace(sub.Customer),
		Status:             mapStatus(sub.Status),
		CurrentPeriodStart: optionalUnixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   optionalUnixTime(sub.CurrentPeriodEnd),
		CancelAt:           optionalUnixTime(sub.CancelAt),
		CanceledAt:         optionalUnixTime(sub.CanceledAt),
	}
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		resource.PriceID = strings.TrimSpace(item.Price.ID)
		if resource.CurrentPeriodStart == nil {
			resource.CurrentPeriodStart = optionalUnixTime(item.CurrentPeriodStart)
		}
		if resource.CurrentPeriodEnd == nil {
			resource.CurrentPeriodEnd = optionalUnixTime(item.CurrentPeriodEnd)
		}
	}
	return resource, nil
}

// CreateCheckoutSession creates a subscription-mode checkout session with the
// correlation fields the webhook path depends on.
func (c *Client) CreateCheckoutSession(ctx context.Context, params domain.CheckoutParams) (*domain.CheckoutSession, error) {
	userID := strings.TrimSpace(params.UserID)
	plan := strings.TrimSpace(params.Plan)
	returnURL := strings.TrimSpace(params.ReturnURL)
	if userID == "" || plan == "" || returnURL == "" {
		return nil, fmt.Errorf("user_id, plan and return_url are required")
	}

	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("success_url", returnURL)
	form.Set("cancel_url", returnURL)
	form.Set("client_reference_id", userID)
	form.Set("line_items[0][price]", plan)
	form.Set("line_items[0][quantity]", "1")
	form.Set("metadata[user_id]", userID)
	form.Set("metadata[plan]", plan)
	form.Set("subscription_data[metadata][user_id]", userID)
	form.Set("subscription_data[metadata][plan]", plan)
	if email := strings.TrimSpace(params.Email); email != "" {
		form.Set("customer_email", email)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var session struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := c.do(req, &session); err != nil {
		return nil, err
	}

	return &domain.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(body, &apiErr)
		msg := strings.TrimSpace(apiErr.Error.Message)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("stripe api %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
