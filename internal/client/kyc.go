package client

import (
	"context"
	"net/http"
)

// KYCClient calls the identity provider for verification and liveness
// checks. Both are read-only against the outside world, so they have no
// compensation endpoints.
type KYCClient struct {
	baseURL string
	client  *http.Client
}

func NewKYCClient(baseURL string) *KYCClient {
	return &KYCClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

type VerifyRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	SagaID         int64  `json:"SagaID"`
	SenderParty    string `json:"SenderParty"`
}

type LivenessRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	SagaID         int64  `json:"SagaID"`
	SenderParty    string `json:"SenderParty"`
}

func (c *KYCClient) VerifyIdentity(ctx context.Context, req *VerifyRequest) (*CheckResponse, error) {
	return postJSON(ctx, c.client, c.baseURL+"/v1/verify", req)
}

func (c *KYCClient) CheckLiveness(ctx context.Context, req *LivenessRequest) (*CheckResponse, error) {
	return postJSON(ctx, c.client, c.baseURL+"/v1/liveness", req)
}
