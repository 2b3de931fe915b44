// Package client holds the HTTP clients for the external providers the
// orchestrator dispatches work to: identity verification, sanction
// screening, risk scoring, payment capture and payout.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 5 * time.Second

// CheckResponse is the provider verdict shared by every provider API.
type CheckResponse struct {
	// Status is "approved", "rejected" or "error".
	Status string `json:"Status"`
	// ErrorKind qualifies Status=="error": "transient" or "fatal".
	ErrorKind string `json:"ErrorKind,omitempty"`
	Detail    string `json:"Detail,omitempty"`
	// Ref is the provider-side reference for the action, needed to
	// compensate it later.
	Ref string `json:"Ref,omitempty"`
}

const (
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusError    = "error"

	ErrorKindTransient = "transient"
	ErrorKindFatal     = "fatal"
)

func postJSON(ctx context.Context, hc *http.Client, url string, body interface{}) (*CheckResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status code: %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out CheckResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
