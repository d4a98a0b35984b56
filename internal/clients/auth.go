package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrInvalidToken signals a bad or expired session token. Fatal to the
// handshake; the client must obtain a fresh token.
var ErrInvalidToken = errors.New("invalid session token")

// AuthService validates the capability tokens presented at handshake.
// The gateway never verifies wallet signatures itself.
type AuthService interface {
	ValidateSessionToken(ctx context.Context, token string) (principal string, err error)
}

// HTTPAuthService talks to the authentication collaborator.
type HTTPAuthService struct {
	rc *resty.Client
}

// NewHTTPAuthService builds an auth client. Token validation sits on
// the handshake path, so the timeout is short and there is a single
// retry.
func NewHTTPAuthService(baseURL string) *HTTPAuthService {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(3 * time.Second).
		SetRetryCount(1).
		SetRetryWaitTime(100 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &HTTPAuthService{rc: rc}
}

var _ AuthService = (*HTTPAuthService)(nil)

type validateResponse struct {
	Principal string `json:"principal"`
}

// ValidateSessionToken resolves a session token to its principal.
func (a *HTTPAuthService) ValidateSessionToken(ctx context.Context, token string) (string, error) {
	var out validateResponse
	resp, err := a.rc.R().
		SetContext(ctx).
		SetBody(map[string]string{"token": token}).
		SetResult(&out).
		Post("/v1/sessions/validate")
	if err != nil {
		return "", fmt.Errorf("auth service: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return "", ErrInvalidToken
	}
	if resp.IsError() {
		return "", fmt.Errorf("auth service: status %d", resp.StatusCode())
	}
	if out.Principal == "" {
		return "", ErrInvalidToken
	}
	return out.Principal, nil
}
