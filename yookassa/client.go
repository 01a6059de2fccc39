// Package yookassa is a thin client for the YooKassa payments and payouts
// HTTP API.
package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	paymentsURL = "https://api.yookassa.ru/v3/payments"
	payoutsURL  = "https://api.yookassa.ru/payouts"
)

// Payout methods.
const (
	MethodCard     = "card"
	MethodYooMoney = "yoomoney"
	MethodSBP      = "sbp"
)

// GatewayError is a non-2xx gateway response, surfaced with its raw body and
// never retried.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error: status %d: %s", e.StatusCode, e.Body)
}

// Config holds the shop and payout credentials.
type Config struct {
	ShopID       string
	SecretKey    string
	PayoutShopID string
	PayoutSecret string
	ReturnURL    string
}

type Client struct {
	cfg        Config
	HTTPClient *http.Client

	paymentsURL string
	payoutsURL  string
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:         cfg,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		paymentsURL: paymentsURL,
		payoutsURL:  payoutsURL,
	}
}

type amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type paymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
}

type payoutResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func rub(v float64) amount {
	return amount{Value: fmt.Sprintf("%.2f", v), Currency: "RUB"}
}

// CreatePayment creates a redirect-confirmed payment with a receipt and
// returns its id and confirmation URL.
func (c *Client) CreatePayment(ctx context.Context, value float64, description, email, phone string) (string, string, error) {
	if c.cfg.ShopID == "" || c.cfg.SecretKey == "" {
		return "", "", fmt.Errorf("yookassa: shop credentials are not configured")
	}
	if email == "" {
		email = "receipts@leadwatch.invalid"
	}
	customer := map[string]string{"email": email}
	if phone != "" {
		customer["phone"] = NormalizePhone(phone)
	}
	payload := map[string]any{
		"amount":       rub(value),
		"confirmation": map[string]string{"type": "redirect", "return_url": c.cfg.ReturnURL},
		"description":  description,
		"capture":      true,
		"receipt": map[string]any{
			"customer": customer,
			"items": []map[string]any{{
				"description":     description,
				"quantity":        "1.0",
				"amount":          rub(value),
				"vat_code":        1,
				"payment_subject": "service",
				"payment_mode":    "full_prepayment",
			}},
		},
	}
	var resp paymentResponse
	if err := c.post(ctx, c.paymentsURL, c.cfg.ShopID, c.cfg.SecretKey, payload, &resp); err != nil {
		return "", "", err
	}
	return resp.ID, resp.Confirmation.ConfirmationURL, nil
}

// PaymentStatus fetches the current status string of a payment.
func (c *Client) PaymentStatus(ctx context.Context, id string) (string, error) {
	var resp paymentResponse
	if err := c.get(ctx, c.paymentsURL+"/"+id, c.cfg.ShopID, c.cfg.SecretKey, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// CreatePayout creates a payout to the given destination. The destination
// schema depends on the method: card number, wallet number, or SBP phone.
func (c *Client) CreatePayout(ctx context.Context, value float64, description, method, destination string) (string, error) {
	if c.cfg.PayoutShopID == "" || c.cfg.PayoutSecret == "" {
		return "", fmt.Errorf("yookassa: payout credentials are not configured")
	}
	dest, err := payoutDestination(method, destination)
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"amount":                  rub(value),
		"payout_destination_data": dest,
		"description":             description,
	}
	var resp payoutResponse
	if err := c.post(ctx, c.payoutsURL, c.cfg.PayoutShopID, c.cfg.PayoutSecret, payload, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// PayoutStatus fetches the current status string of a payout.
func (c *Client) PayoutStatus(ctx context.Context, id string) (string, error) {
	var resp payoutResponse
	if err := c.get(ctx, c.payoutsURL+"/"+id, c.cfg.PayoutShopID, c.cfg.PayoutSecret, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func payoutDestination(method, destination string) (map[string]any, error) {
	switch method {
	case MethodCard:
		return map[string]any{"type": "bank_card", "card": map[string]string{"number": destination}}, nil
	case MethodYooMoney:
		return map[string]any{"type": "yoo_money", "account_number": destination}, nil
	case MethodSBP:
		return map[string]any{"type": "sbp", "phone": NormalizePhone(destination)}, nil
	}
	return nil, fmt.Errorf("yookassa: unsupported payout method %q", method)
}

// NormalizePhone reduces a Russian phone number to +7XXXXXXXXXX form.
func NormalizePhone(phone string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case strings.HasPrefix(d, "8"):
		d = "7" + d[1:]
	case !strings.HasPrefix(d, "7"):
		d = "7" + d
	}
	return "+" + d
}

func (c *Client) post(ctx context.Context, url, user, pass string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())
	req.SetBasicAuth(user, pass)
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, url, user, pass string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(user, pass)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body error: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &GatewayError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response error: %w", err)
	}
	return nil
}
