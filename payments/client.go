package payments

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
)

// ErrProcessor wraps any failed outbound call to the payment processor.
var ErrProcessor = errors.New("payments: processor request failed")

// Processor is the outbound surface of the payment service. Amounts are
// minor currency units at this boundary.
type Processor interface {
	CreatePaymentIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (string, error)
	CreateTransfer(ctx context.Context, amountCents int64, destination string, metadata map[string]string) (string, error)
	CreateRefund(ctx context.Context, paymentIntentID string, amountCents int64) (string, error)
}

// StripeClient talks to the processor's REST API with form-encoded requests.
type StripeClient struct {
	baseURL   string
	secretKey string
	httpc     *http.Client
}

func NewStripeClient(baseURL, secretKey string) *StripeClient {
	return &StripeClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		httpc:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *StripeClient) CreatePaymentIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (string, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", currency)
	addMetadata(form, metadata)
	return c.post(ctx, "/v1/payment_intents", form)
}

func (c *StripeClient) CreateTransfer(ctx context.Context, amountCents int64, destination string, metadata map[string]string) (string, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", "usd")
	form.Set("destination", destination)
	addMetadata(form, metadata)
	return c.post(ctx, "/v1/transfers", form)
}

func (c *StripeClient) CreateRefund(ctx context.Context, paymentIntentID string, amountCents int64) (string, error) {
	form := url.Values{}
	form.Set("payment_intent", paymentIntentID)
	if amountCents > 0 {
		form.Set("amount", strconv.FormatInt(amountCents, 10))
	}
	return c.post(ctx, "/v1/refunds", form)
}

func (c *StripeClient) post(ctx context.Context, path string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("payments: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrProcessor, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: %s: read body: %v", ErrProcessor, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s: status %d", ErrProcessor, path, resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("%w: %s: malformed response", ErrProcessor, path)
	}
	return out.ID, nil
}

func addMetadata(form url.Values, metadata map[string]string) {
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}
}
