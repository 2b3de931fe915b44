package client

import (
	"context"
	"net/http"
)

// ScreeningClient calls the sanction screening provider.
type ScreeningClient struct {
	baseURL string
	client  *http.Client
}

func NewScreeningClient(baseURL string) *ScreeningClient {
	return &ScreeningClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

type ScreenRequest struct {
	IdempotencyKey   string `json:"IdempotencyKey"`
	SagaID           int64  `json:"SagaID"`
	SenderParty      string `json:"SenderParty"`
	BeneficiaryParty string `json:"BeneficiaryParty"`
}

func (c *ScreeningClient) ScreenParties(ctx context.Context, req *ScreenRequest) (*CheckResponse, error) {
	return postJSON(ctx, c.client, c.baseURL+"/v1/screen", req)
}
