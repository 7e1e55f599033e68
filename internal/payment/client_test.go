package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetPaymentStatus_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/payments/ref-1" {
			t.Fatalf("path = %s, want /api/payments/ref-1", r.URL.Path)
		}

		amount := int64(199800)
		resp := Status{
			Reference: "ref-1",
			Status:    StatusConfirmed,
			Amount:    &amount,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retryAfter, err := client.GetPaymentStatus(ctx, "ref-1")
	if err != nil {
		t.Fatalf("GetPaymentStatus error: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", code, http.StatusOK)
	}
	if retryAfter != 0 {
		t.Fatalf("retryAfter = %v, want 0", retryAfter)
	}
	if res == nil || res.Reference != "ref-1" || res.Status != StatusConfirmed {
		t.Fatalf("unexpected response: %+v", res)
	}
	if res.Amount == nil || *res.Amount != 199800 {
		t.Fatalf("unexpected amount: %v", res.Amount)
	}
}

func TestGetPaymentStatus_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retryAfter, err := client.GetPaymentStatus(ctx, "ref-1")
	if err != nil {
		t.Fatalf("GetPaymentStatus error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil response for 429, got %+v", res)
	}
	if code != http.StatusTooManyRequests {
		t.Fatalf("status code = %d, want %d", code, http.StatusTooManyRequests)
	}
	if retryAfter < 5*time.Second {
		t.Fatalf("retryAfter = %v, want at least 5s", retryAfter)
	}
}

func TestGetPaymentStatus_NoContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, code, retryAfter, err := client.GetPaymentStatus(ctx, "ref-1")
	if err != nil {
		t.Fatalf("GetPaymentStatus error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil response for 204, got %+v", res)
	}
	if code != http.StatusNoContent {
		t.Fatalf("status code = %d, want %d", code, http.StatusNoContent)
	}
	if retryAfter != 0 {
		t.Fatalf("retryAfter = %v, want 0", retryAfter)
	}
}

func TestGetPaymentStatus_NotConfigured(t *testing.T) {
	client := &Client{}

	_, _, _, err := client.GetPaymentStatus(context.Background(), "ref-1")
	if err == nil {
		t.Fatalf("expected error for unconfigured client")
	}
}
