package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/infiniteloophole/soractic-final/internal/metrics"
)

// AIQuery forwards socratic queries to the external answering service.
// Payloads pass through opaquely; the gateway never interprets them.
type AIQuery interface {
	Ask(ctx context.Context, roomID uuid.UUID, principal, query string, docContext []string) (string, error)
}

// HTTPAIQuery talks to the AI-query collaborator.
type HTTPAIQuery struct {
	rc *resty.Client
}

// NewHTTPAIQuery builds an AI client. Answers can take a while; the
// caller runs this off the chat delivery path, so a generous timeout
// is fine.
func NewHTTPAIQuery(baseURL string) *HTTPAIQuery {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(60 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &HTTPAIQuery{rc: rc}
}

var _ AIQuery = (*HTTPAIQuery)(nil)

type askRequest struct {
	RoomID    string   `json:"room_id"`
	Principal string   `json:"principal"`
	Query     string   `json:"query"`
	Context   []string `json:"context,omitempty"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

// Ask relays a query and returns the answer verbatim.
func (q *HTTPAIQuery) Ask(ctx context.Context, roomID uuid.UUID, principal, query string, docContext []string) (string, error) {
	var out askResponse
	resp, err := q.rc.R().
		SetContext(ctx).
		SetBody(askRequest{
			RoomID:    roomID.String(),
			Principal: principal,
			Query:     query,
			Context:   docContext,
		}).
		SetResult(&out).
		Post("/v1/ask")
	if err != nil {
		metrics.SocraticQueries.WithLabelValues("error").Inc()
		return "", fmt.Errorf("ai query: %w", err)
	}
	if resp.IsError() {
		metrics.SocraticQueries.WithLabelValues("error").Inc()
		return "", fmt.Errorf("ai query: status %d", resp.StatusCode())
	}
	metrics.SocraticQueries.WithLabelValues("ok").Inc()
	return out.Answer, nil
}
