package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuelReschke/Polaris/app/models"
	"github.com/ManuelReschke/Polaris/internal/pkg/metrics"
)

const lemonSqueezyAPIBaseURL = "https://api.lemonsqueezy.com/v1"

// LemonSqueezyClient talks to the Lemon Squeezy JSON:API.
type LemonSqueezyClient struct {
	APIKey     string
	StoreID    string
	APIBaseURL string
	HTTPClient *http.Client
}

func NewLemonSqueezyClient(gw GatewayConfig) *LemonSqueezyClient {
	return &LemonSqueezyClient{
		APIKey:     gw.APIKey,
		StoreID:    gw.StoreID,
		APIBaseURL: lemonSqueezyAPIBaseURL,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type lemonCheckoutRequest struct {
	Data lemonCheckoutData `json:"data"`
}

type lemonCheckoutData struct {
	Type          string                 `json:"type"`
	Attributes    lemonCheckoutAttrs     `json:"attributes"`
	Relationships map[string]lemonRelRef `json:"relationships"`
}

type lemonCheckoutAttrs struct {
	CheckoutData    lemonCheckoutPrefill `json:"checkout_data"`
	ProductOptions  lemonProductOptions  `json:"product_options"`
	CheckoutOptions map[string]any       `json:"checkout_options,omitempty"`
}

type lemonCheckoutPrefill struct {
	Email          string            `json:"email,omitempty"`
	BillingAddress map[string]string `json:"billing_address,omitempty"`
	Custom         map[string]string `json:"custom,omitempty"`
}

type lemonProductOptions struct {
	RedirectURL string `json:"redirect_url,omitempty"`
}

type lemonRelRef struct {
	Data struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"data"`
}

func lemonRel(typ, id string) lemonRelRef {
	var r lemonRelRef
	r.Data.Type = typ
	r.Data.ID = id
	return r
}

// CreateCheckout creates a hosted checkout for a variant. Lemon Squeezy has
// no cancel URL; the success URL becomes the post-purchase redirect.
func (c *LemonSqueezyClient) CreateCheckout(ctx context.Context, in CheckoutSessionInput) (CheckoutSession, error) {
	if strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.StoreID) == "" {
		return CheckoutSession{}, errors.New("LEMONSQUEEZY_API_KEY/LEMONSQUEEZY_STORE_ID are not configured")
	}
	if strings.TrimSpace(in.PriceID) == "" {
		return CheckoutSession{}, errors.New("lemonsqueezy variant id is required")
	}

	custom := map[string]string{"reference": in.Reference}
	for k, v := range in.Metadata {
		custom[k] = v
	}
	payload := lemonCheckoutRequest{
		Data: lemonCheckoutData{
			Type: "checkouts",
			Attributes: lemonCheckoutAttrs{
				CheckoutData: lemonCheckoutPrefill{
					Email:  in.Email,
					Custom: custom,
				},
				ProductOptions: lemonProductOptions{RedirectURL: in.SuccessURL},
			},
			Relationships: map[string]lemonRelRef{
				"store":   lemonRel("stores", c.StoreID),
				"variant": lemonRel("variants", in.PriceID),
			},
		},
	}
	if in.Country != "" {
		payload.Data.Attributes.CheckoutData.BillingAddress = map[string]string{"country": in.Country}
	}
	if in.Locale != "" {
		payload.Data.Attributes.CheckoutOptions = map[string]any{"locale": in.Locale}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return CheckoutSession{}, err
	}

	start := time.Now()
	body, err := c.do(ctx, http.MethodPost, "/checkouts", encoded)
	metrics.ObserveGatewayCall(models.BillingProviderLemonSqueezy, "checkout", time.Since(start).Seconds())
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("lemonsqueezy checkout: %w", err)
	}

	var out struct {
		Data struct {
			ID         string `json:"id"`
			Attributes struct {
				URL string `json:"url"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return CheckoutSession{}, err
	}
	if strings.TrimSpace(out.Data.Attributes.URL) == "" {
		return CheckoutSession{}, errors.New("lemonsqueezy checkout returned empty url")
	}
	return CheckoutSession{ID: out.Data.ID, URL: out.Data.Attributes.URL}, nil
}

// CreatePortal returns the customer's signed portal URL. Lemon Squeezy does
// not accept a return URL.
func (c *LemonSqueezyClient) CreatePortal(ctx context.Context, in PortalSessionInput) (string, error) {
	id := strings.TrimSpace(in.CustomerID)
	if id == "" {
		return "", errors.New("lemonsqueezy customer id is required")
	}

	start := time.Now()
	body, err := c.do(ctx, http.MethodGet, "/customers/"+url.PathEscape(id), nil)
	metrics.ObserveGatewayCall(models.BillingProviderLemonSqueezy, "portal", time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("lemonsqueezy customer: %w", err)
	}

	var out struct {
		Data struct {
			Attributes struct {
				URLs struct {
					CustomerPortal string `json:"customer_portal"`
				} `json:"urls"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Data.Attributes.URLs.CustomerPortal) == "" {
		return "", errors.New("lemonsqueezy customer has no portal url")
	}
	return out.Data.Attributes.URLs.CustomerPortal, nil
}

func (c *LemonSqueezyClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.APIBaseURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/vnd.api+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/vnd.api+json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read lemonsqueezy response (status=%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))
	}
	return body, nil
}
