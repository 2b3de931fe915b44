package client

import (
	"context"
	"net/http"
)

// PaymentClient captures funds from the sender and refunds captures
// during compensation.
type PaymentClient struct {
	baseURL string
	client  *http.Client
}

func NewPaymentClient(baseURL string) *PaymentClient {
	return &PaymentClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

type CaptureRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	SagaID         int64  `json:"SagaID"`
	SenderParty    string `json:"SenderParty"`
	Amount         int64  `json:"Amount"`
	// AmountText is the decimal rendering of Amount; filled in by the
	// client before posting.
	AmountText string `json:"AmountText"`
	Currency   string `json:"Currency"`
}

type RefundRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	SagaID         int64  `json:"SagaID"`
	// CaptureRef is the provider reference returned by the capture.
	CaptureRef string `json:"CaptureRef"`
}

func (c *PaymentClient) Capture(ctx context.Context, req *CaptureRequest) (*CheckResponse, error) {
	req.AmountText = FormatAmount(req.Amount, req.Currency)
	return postJSON(ctx, c.client, c.baseURL+"/v1/capture", req)
}

func (c *PaymentClient) RefundCapture(ctx context.Context, req *RefundRequest) (*CheckResponse, error) {
	return postJSON(ctx, c.client, c.baseURL+"/v1/refund", req)
}
