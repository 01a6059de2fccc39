package yookassa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(srv *httptest.Server) *Client {
	c := NewClient(Config{
		ShopID:       "shop",
		SecretKey:    "secret",
		PayoutShopID: "agent",
		PayoutSecret: "payout-secret",
		ReturnURL:    "https://t.me/leadwatch_bot",
	})
	c.HTTPClient = srv.Client()
	c.paymentsURL = srv.URL + "/v3/payments"
	c.payoutsURL = srv.URL + "/payouts"
	return c
}

func TestCreatePayment(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v3/payments", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "shop", user)
		assert.Equal(t, "secret", pass)
		assert.NotEmpty(t, r.Header.Get("Idempotence-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"id":"pay-1","status":"pending","confirmation":{"confirmation_url":"https://pay.example/1"}}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	id, url, err := c.CreatePayment(context.Background(), 1490, "PRO subscription", "", "89991234567")
	require.NoError(t, err)
	assert.Equal(t, "pay-1", id)
	assert.Equal(t, "https://pay.example/1", url)

	amount := captured["amount"].(map[string]any)
	assert.Equal(t, "1490.00", amount["value"])
	assert.Equal(t, "RUB", amount["currency"])
	assert.Equal(t, true, captured["capture"])

	receipt := captured["receipt"].(map[string]any)
	customer := receipt["customer"].(map[string]any)
	assert.Equal(t, "receipts@leadwatch.invalid", customer["email"])
	assert.Equal(t, "+79991234567", customer["phone"])
}

func TestPaymentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/payments/pay-1", r.URL.Path)
		w.Write([]byte(`{"id":"pay-1","status":"succeeded"}`))
	}))
	defer srv.Close()

	status, err := testClient(srv).PaymentStatus(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", status)
}

func TestCreatePayoutDestinations(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "agent", user)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"id":"po-1","status":"pending"}`))
	}))
	defer srv.Close()
	c := testClient(srv)

	_, err := c.CreatePayout(context.Background(), 500, "payout", MethodCard, "2200123412341234")
	require.NoError(t, err)
	dest := captured["payout_destination_data"].(map[string]any)
	assert.Equal(t, "bank_card", dest["type"])

	_, err = c.CreatePayout(context.Background(), 500, "payout", MethodSBP, "8 999 123-45-67")
	require.NoError(t, err)
	dest = captured["payout_destination_data"].(map[string]any)
	assert.Equal(t, "sbp", dest["type"])
	assert.Equal(t, "+79991234567", dest["phone"])

	_, err = c.CreatePayout(context.Background(), 500, "payout", "cash", "whatever")
	require.Error(t, err)
}

func TestGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","description":"Invalid amount"}`))
	}))
	defer srv.Close()

	_, _, err := testClient(srv).CreatePayment(context.Background(), -1, "bad", "", "")
	var gerr *GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, http.StatusBadRequest, gerr.StatusCode)
	assert.Contains(t, gerr.Body, "Invalid amount")
}

func TestMissingCredentials(t *testing.T) {
	c := NewClient(Config{})
	_, _, err := c.CreatePayment(context.Background(), 100, "x", "", "")
	require.Error(t, err)
	_, err = c.CreatePayout(context.Background(), 100, "x", MethodCard, "1234")
	require.Error(t, err)
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"89991234567":     "+79991234567",
		"+7 999 123-45-67": "+79991234567",
		"9991234567":      "+79991234567",
		"7 (999) 1234567": "+79991234567",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePhone(in), "input=%s", in)
	}
}
