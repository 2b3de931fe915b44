package client

import (
	"context"
	"net/http"
)

// RiskClient calls the risk scoring provider.
type RiskClient struct {
	baseURL string
	client  *http.Client
}

func NewRiskClient(baseURL string) *RiskClient {
	return &RiskClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

type AssessRequest struct {
	IdempotencyKey   string   `json:"IdempotencyKey"`
	SagaID           int64    `json:"SagaID"`
	Amount           int64    `json:"Amount"`
	Currency         string   `json:"Currency"`
	SenderParty      string   `json:"SenderParty"`
	BeneficiaryParty string   `json:"BeneficiaryParty"`
	RiskSignals      []string `json:"RiskSignals,omitempty"`
}

func (c *RiskClient) AssessTransfer(ctx context.Context, req *AssessRequest) (*CheckResponse, error) {
	return postJSON(ctx, c.client, c.baseURL+"/v1/assess", req)
}
