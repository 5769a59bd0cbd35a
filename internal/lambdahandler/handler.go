// Package lambdahandler serves inbound chat events from API Gateway proxy
// requests, for deployments that run the engine on AWS Lambda.
package lambdahandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"github.com/kajialsoad/cnz-sub006/internal/engine"
	"github.com/kajialsoad/cnz-sub006/internal/server"
)

// EventHandler is the engine surface the handler needs.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev engine.Event) (engine.Result, error)
}

// Handler adapts API Gateway requests to the engine.
type Handler struct {
	engine EventHandler
	logger *slog.Logger
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// NewHandler validates its dependency.
func NewHandler(eng EventHandler, logger *slog.Logger) (*Handler, error) {
	if eng == nil {
		return nil, errors.New("lambdahandler: engine must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: eng, logger: logger}, nil
}

// Handle decodes one event body, runs it through the engine and renders the
// same JSON the HTTP server returns. Engine failures become error responses;
// the returned error is reserved for failures the runtime should retry.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	requestID := header(req.Headers, server.RequestIDHeader)
	if requestID == "" {
		requestID = req.RequestContext.RequestID
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if req.HTTPMethod != "" && req.HTTPMethod != http.MethodPost {
		return h.fail(requestID, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", req.HTTPMethod)), nil
	}

	var body server.EventRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return h.fail(requestID, http.StatusBadRequest, fmt.Errorf("decode event: %w", err)), nil
	}
	ev, err := body.ToEvent()
	if err != nil {
		return h.fail(requestID, http.StatusBadRequest, err), nil
	}
	if ev.ID == "" {
		ev.ID = requestID
	}

	res, err := h.engine.HandleEvent(ctx, ev)
	if err != nil {
		status := server.StatusFor(err)
		if status >= 500 {
			h.logger.Error("event failed", "request_id", requestID, "error", err)
		}
		resp := h.fail(requestID, status, err)
		if status == http.StatusConflict {
			resp.Headers["Retry-After"] = "1"
		}
		return resp, nil
	}
	return h.json(requestID, http.StatusOK, server.NewEventResponse(res)), nil
}

func (h *Handler) fail(requestID string, status int, err error) events.APIGatewayProxyResponse {
	return h.json(requestID, status, errorResponse{Error: err.Error(), RequestID: requestID})
}

func (h *Handler) json(requestID string, status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"encode response"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":          "application/json",
			server.RequestIDHeader: requestID,
		},
		Body: string(body),
	}
}

// header looks a header up case-insensitively; API Gateway preserves the
// caller's casing.
func header(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
