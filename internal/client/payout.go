package client

import (
	"context"
	"net/http"
)

// PayoutClient sends funds to the beneficiary and reverses payouts
// during compensation.
type PayoutClient struct {
	baseURL string
	client  *http.Client
}

func NewPayoutClient(baseURL string) *PayoutClient {
	return &PayoutClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

type PayoutRequest struct {
	IdempotencyKey   string `json:"IdempotencyKey"`
	SagaID           int64  `json:"SagaID"`
	BeneficiaryParty string `json:"BeneficiaryParty"`
	BeneficiaryRef   string `json:"BeneficiaryRef"`
	Amount           int64  `json:"Amount"`
	// AmountText is the decimal rendering of Amount; filled in by the
	// client before posting.
	AmountText string `json:"AmountText"`
	Currency   string `json:"Currency"`
}

type ReversalRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	SagaID         int64  `json:"SagaID"`
	// PayoutRef is the provider reference returned by the payout.
	PayoutRef string `json:"PayoutRef"`
}

func (c *PayoutClient) SendPayout(ctx context.Context, req *PayoutRequest) (*CheckResponse, error) {
	req.AmountText = FormatAmount(req.Amount, req.Currency)
	return postJSON(ctx, c.client, c.baseURL+"/v1/payout", req)
}

func (c *PayoutClient) ReversePayout(ctx context.Context, req *ReversalRequest) (*CheckResponse, error) {
	return postJSON(ctx, c.client, c.baseURL+"/v1/reverse", req)
}
