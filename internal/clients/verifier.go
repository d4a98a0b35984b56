// Package clients holds the HTTP clients for the gateway's external
// collaborators: the chain verifier, the authentication service and the
// AI-query service. Each collaborator is consumed through a narrow
// interface so tests can substitute fakes.
package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/infiniteloophole/soractic-final/internal/metrics"
	"github.com/infiniteloophole/soractic-final/internal/models"
)

// ErrVerifierUnavailable signals a transient verification failure. The
// caller must treat it as deny-by-default, never as an allow.
var ErrVerifierUnavailable = errors.New("chain verifier unavailable")

// ChainVerifier resolves a principal's holdings against a gating rule.
type ChainVerifier interface {
	Verify(ctx context.Context, principal string, rule models.GatingRule) (models.Holding, error)
}

// HTTPVerifier talks to the chain-verification service.
type HTTPVerifier struct {
	rc *resty.Client
}

// NewHTTPVerifier builds a verifier client with bounded retries. Chain
// lookups are slow; the timeout here must stay under the gate's
// authorize timeout or every miss turns into a hung join.
func NewHTTPVerifier(baseURL string) *HTTPVerifier {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPVerifier{rc: rc}
}

var _ ChainVerifier = (*HTTPVerifier)(nil)

type verifyRequest struct {
	Principal string `json:"principal"`
	RuleKind  string `json:"rule_kind"`
	Asset     string `json:"asset"`
	Minimum   uint64 `json:"minimum"`
}

type verifyResponse struct {
	Amount         uint64    `json:"amount"`
	OwnsCollection bool      `json:"owns_collection"`
	SnapshotAt     time.Time `json:"snapshot_at"`
}

// Verify fetches a holding snapshot for the rule's backing asset.
func (v *HTTPVerifier) Verify(ctx context.Context, principal string, rule models.GatingRule) (models.Holding, error) {
	var out verifyResponse
	resp, err := v.rc.R().
		SetContext(ctx).
		SetBody(verifyRequest{
			Principal: principal,
			RuleKind:  string(rule.Kind),
			Asset:     rule.Asset,
			Minimum:   rule.Minimum,
		}).
		SetResult(&out).
		Post("/v1/verify")
	if err != nil {
		metrics.VerifierCalls.WithLabelValues("error").Inc()
		return models.Holding{}, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}
	if resp.IsError() {
		metrics.VerifierCalls.WithLabelValues("error").Inc()
		return models.Holding{}, fmt.Errorf("%w: status %d", ErrVerifierUnavailable, resp.StatusCode())
	}

	metrics.VerifierCalls.WithLabelValues("ok").Inc()
	return models.Holding{
		Amount:         out.Amount,
		OwnsCollection: out.OwnsCollection,
		SnapshotAt:     out.SnapshotAt,
	}, nil
}
