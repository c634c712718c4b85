package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hushryd-glitch/hushryd-jobs/internal/breaker"
)

func testClient(url string) *Client {
	return NewClientWithHTTP(ClientConfig{
		BaseURL:      url,
		ClientID:     "test-id",
		ClientSecret: "test-secret",
	}, &http.Client{Timeout: 5 * time.Second})
}

func TestClient_InitiatePayout(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/payout/transfers" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Client-Id"); got != "test-id" {
			t.Errorf("X-Client-Id = %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["transfer_id"] != "tr-1" {
			t.Errorf("transfer_id = %v", body["transfer_id"])
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"reference_id": "ref-99",
			"status":       "SUCCESS",
		})
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).InitiatePayout(context.Background(), PayoutRequest{
		TransferID:    "tr-1",
		BeneficiaryID: "bene-1",
		Amount:        500,
	})
	if err != nil {
		t.Fatalf("InitiatePayout: %v", err)
	}
	if res.ReferenceID != "ref-99" || res.Status != "SUCCESS" {
		t.Errorf("result = %+v", res)
	}
}

func TestClient_GetPaymentStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/order-1/payments" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"payments": []map[string]string{
				{"cf_payment_id": "cf-2", "payment_status": "SUCCESS"},
				{"cf_payment_id": "cf-1", "payment_status": "FAILED"},
			},
		})
	}))
	defer srv.Close()

	payments, err := testClient(srv.URL).GetPaymentStatus(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("GetPaymentStatus: %v", err)
	}
	if len(payments) != 2 || payments[0].CFPaymentID != "cf-2" {
		t.Errorf("payments = %+v", payments)
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"not found", http.StatusNotFound, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).GetPaymentStatus(context.Background(), "order-x")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v (status %d)", got, tt.transient, tt.status)
			}
		})
	}
}

func TestGuarded_PermanentErrorsDoNotTrip(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	cb := breaker.New("gateway", breaker.Config{Threshold: 2, Cooldown: time.Minute})
	g := Guard(testClient(srv.URL), cb)

	for i := 0; i < 5; i++ {
		if _, err := g.GetPaymentStatus(context.Background(), "order-x"); err == nil {
			t.Fatal("expected error")
		}
	}
	if got := cb.State(); got != breaker.Closed {
		t.Errorf("breaker state = %q, want closed (4xx must not count as gateway failure)", got)
	}
}

func TestGuarded_TransientErrorsTripAndShortCircuit(t *testing.T) {
	t.Parallel()
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cb := breaker.New("gateway", breaker.Config{Threshold: 2, Cooldown: time.Minute})
	g := Guard(testClient(srv.URL), cb)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := g.GetPaymentStatus(ctx, "order-x"); !IsTransient(err) {
			t.Fatalf("call %d: err = %v, want transient", i, err)
		}
	}
	if got := cb.State(); got != breaker.Open {
		t.Fatalf("breaker state = %q, want open", got)
	}

	_, err := g.GetPaymentStatus(ctx, "order-x")
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if hits != 2 {
		t.Errorf("gateway hits = %d, want 2 (short-circuited call must not reach it)", hits)
	}
}
