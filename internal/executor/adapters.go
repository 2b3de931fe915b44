package executor

import (
	"context"

	"github.com/transfer/orchestrator/internal/client"
	"github.com/transfer/orchestrator/internal/saga"
)

// VerificationExecutor runs identity verification. Read-only.
type VerificationExecutor struct {
	kyc *client.KYCClient
}

func NewVerificationExecutor(kyc *client.KYCClient) *VerificationExecutor {
	return &VerificationExecutor{kyc: kyc}
}

func (e *VerificationExecutor) Kind() saga.StepKind { return saga.StepVerification }

func (e *VerificationExecutor) Execute(ctx context.Context, req *Request) *Result {
	resp, err := e.kyc.VerifyIdentity(ctx, &client.VerifyRequest{
		IdempotencyKey: req.IdempotencyKey,
		SagaID:         req.SagaID,
		SenderParty:    req.Transfer.SenderParty,
	})
	return resultFrom(resp, err)
}

func (e *VerificationExecutor) Compensate(ctx context.Context, rec *saga.StepRecord, idempotencyKey string) *Result {
	return noopCompensation()
}

// LivenessExecutor runs the liveness check. Read-only.
type LivenessExecutor struct {
	kyc *client.KYCClient
}

func NewLivenessExecutor(kyc *client.KYCClient) *LivenessExecutor {
	return &LivenessExecutor{kyc: kyc}
}

func (e *LivenessExecutor) Kind() saga.StepKind { return saga.StepLiveness }

func (e *LivenessExecutor) Execute(ctx context.Context, req *Request) *Result {
	resp, err := e.kyc.CheckLiveness(ctx, &client.LivenessRequest{
		IdempotencyKey: req.IdempotencyKey,
		SagaID:         req.SagaID,
		SenderParty:    req.Transfer.SenderParty,
	})
	return resultFrom(resp, err)
}

func (e *LivenessExecutor) Compensate(ctx context.Context, rec *saga.StepRecord, idempotencyKey string) *Result {
	return noopCompensation()
}

// ScreeningExecutor runs sanction screening. Read-only.
type ScreeningExecutor struct {
	screening *client.ScreeningClient
}

func NewScreeningExecutor(screening *client.ScreeningClient) *ScreeningExecutor {
	return &ScreeningExecutor{screening: screening}
}

func (e *ScreeningExecutor) Kind() saga.StepKind { return saga.StepScreening }

func (e *ScreeningExecutor) Execute(ctx context.Context, req *Request) *Result {
	resp, err := e.screening.ScreenParties(ctx, &client.ScreenRequest{
		IdempotencyKey:   req.IdempotencyKey,
		SagaID:           req.SagaID,
		SenderParty:      req.Transfer.SenderParty,
		BeneficiaryParty: req.Transfer.BeneficiaryParty,
	})
	return resultFrom(resp, err)
}

func (e *ScreeningExecutor) Compensate(ctx context.Context, rec *saga.StepRecord, idempotencyKey string) *Result {
	return noopCompensation()
}

// RiskExecutor runs risk scoring. Read-only.
type RiskExecutor struct {
	risk *client.RiskClient
}

func NewRiskExecutor(risk *client.RiskClient) *RiskExecutor {
	return &RiskExecutor{risk: risk}
}

func (e *RiskExecutor) Kind() saga.StepKind { return saga.StepRisk }

func (e *RiskExecutor) Execute(ctx context.Context, req *Request) *Result {
	resp, err := e.risk.AssessTransfer(ctx, &client.AssessRequest{
		IdempotencyKey:   req.IdempotencyKey,
		SagaID:           req.SagaID,
		Amount:           req.Transfer.Amount,
		Currency:         req.Transfer.Currency,
		SenderParty:      req.Transfer.SenderParty,
		BeneficiaryParty: req.Transfer.BeneficiaryParty,
		RiskSignals:      req.Transfer.RiskSignals,
	})
	return resultFrom(resp, err)
}

func (e *RiskExecutor) Compensate(ctx context.Context, rec *saga.StepRecord, idempotencyKey string) *Result {
	return noopCompensation()
}

// PaymentExecutor captures sender funds; compensation refunds the
// capture through the provider reference.
type PaymentExecutor struct {
	payment *client.PaymentClient
}

func NewPaymentExecutor(payment *client.PaymentClient) *PaymentExecutor {
	return &PaymentExecutor{payment: payment}
}

func (e *PaymentExecutor) Kind() saga.StepKind { return saga.StepPayment }

func (e *PaymentExecutor) Execute(ctx context.Context, req *Request) *Result {
	resp, err := e.payment.Capture(ctx, &client.CaptureRequest{
		IdempotencyKey: req.IdempotencyKey,
		SagaID:         req.SagaID,
		SenderParty:    req.Transfer.SenderParty,
		Amount:         req.Transfer.Amount,
		Currency:       req.Transfer.Currency,
	})
	return resultFrom(resp, err)
}

func (e *PaymentExecutor) Compensate(ctx context.Context, rec *saga.StepRecord, idempotencyKey string) *Result {
	resp, err := e.payment.RefundCapture(ctx, &client.RefundRequest{
		IdempotencyKey: idempotencyKey,
		SagaID:         rec.SagaID,
		CaptureRef:     rec.CompensationRef,
	})
	return resultFrom(resp, err)
}

// PayoutExecutor sends funds to the beneficiary; compensation reverses
// the payout.
type PayoutExecutor struct {
	payout *client.PayoutClient
}

func NewPayoutExecutor(payout *client.PayoutClient) *PayoutExecutor {
	return &PayoutExecutor{payout: payout}
}

func (e *PayoutExecutor) Kind() saga.StepKind { return saga.StepPayout }

func (e *PayoutExecutor) Execute(ctx context.Context, req *Request) *Result {
	resp, err := e.payout.SendPayout(ctx, &client.PayoutRequest{
		IdempotencyKey:   req.IdempotencyKey,
		SagaID:           req.SagaID,
		BeneficiaryParty: req.Transfer.BeneficiaryParty,
		BeneficiaryRef:   req.Transfer.BeneficiaryRef,
		Amount:           req.Transfer.Amount,
		Currency:         req.Transfer.Currency,
	})
	return resultFrom(resp, err)
}

func (e *PayoutExecutor) Compensate(ctx context.Context, rec *saga.StepRecord, idempotencyKey string) *Result {
	resp, err := e.payout.ReversePayout(ctx, &client.ReversalRequest{
		IdempotencyKey: idempotencyKey,
		SagaID:         rec.SagaID,
		PayoutRef:      rec.CompensationRef,
	})
	return resultFrom(resp, err)
}
