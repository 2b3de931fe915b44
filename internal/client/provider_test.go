package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPaymentClient_Capture(t *testing.T) {
	var got CaptureRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/capture" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"Status": StatusApproved,
			"Ref":    "cap-991",
		})
	}))
	defer server.Close()

	c := NewPaymentClient(server.URL)
	resp, err := c.Capture(context.Background(), &CaptureRequest{
		IdempotencyKey: "42:payment:0",
		SagaID:         42,
		SenderParty:    "acct-1",
		Amount:         1050,
		Currency:       "EUR",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != StatusApproved || resp.Ref != "cap-991" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got.IdempotencyKey != "42:payment:0" || got.Amount != 1050 {
		t.Fatalf("unexpected request payload: %+v", got)
	}
	if got.AmountText != "10.5" {
		t.Fatalf("amount text = %q, want 10.5", got.AmountText)
	}
}

func TestScreeningClient_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/screen" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"Status": StatusRejected,
			"Detail": "sanction list match",
		})
	}))
	defer server.Close()

	c := NewScreeningClient(server.URL)
	resp, err := c.ScreenParties(context.Background(), &ScreenRequest{
		IdempotencyKey:   "42:screening:0",
		SagaID:           42,
		SenderParty:      "acct-1",
		BeneficiaryParty: "acct-2",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != StatusRejected {
		t.Fatalf("unexpected status: %s", resp.Status)
	}
	if resp.Detail != "sanction list match" {
		t.Fatalf("unexpected detail: %s", resp.Detail)
	}
}

func TestPostJSONNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewRiskClient(server.URL)
	_, err := c.AssessTransfer(context.Background(), &AssessRequest{SagaID: 1})
	if err == nil {
		t.Fatal("expected error on non-200 response")
	}
}
