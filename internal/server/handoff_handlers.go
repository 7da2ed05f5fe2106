package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/relay-apps/authbridge/internal/config"
	"github.com/relay-apps/authbridge/internal/handoff"
	"github.com/relay-apps/authbridge/internal/httpjson"
	"github.com/relay-apps/authbridge/internal/idtoken"
	"github.com/relay-apps/authbridge/internal/log"
	"github.com/relay-apps/authbridge/internal/pending"
)

// providerSessionCookie carries the provider-established session back into the
// completion redirect when the external integration uses cookie transport.
const providerSessionCookie = "provider_session"

// HandoffHandler serves the native sign-in endpoints
type HandoffHandler struct {
	orchestrator *handoff.Orchestrator
}

// NewHandoffHandler creates the handler around the orchestrator
func NewHandoffHandler(orchestrator *handoff.Orchestrator) *HandoffHandler {
	return &HandoffHandler{orchestrator: orchestrator}
}

// NewRouter assembles the full external surface: the four handoff endpoints,
// the health probe, and the middleware chain.
func NewRouter(cfg *config.BridgeConfig, orchestrator *handoff.Orchestrator) http.Handler {
	h := NewHandoffHandler(orchestrator)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/native/start", h.StartHandler)
	mux.HandleFunc("GET /auth/native/complete", h.CompleteHandler)
	mux.HandleFunc("GET /auth/native/pending", h.PendingHandler)
	mux.HandleFunc("POST /auth/native/exchange", h.ExchangeHandler)
	mux.HandleFunc("GET /health", healthHandler)

	return ChainMiddleware(mux,
		NewCORSMiddleware(cfg.AllowedOrigins),
		NewRecoverMiddleware("server"),
		NewLoggerMiddleware("server"),
	)
}

// StartHandler redirects the client into the provider sign-in flow
func (h *HandoffHandler) StartHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	redirect, err := h.orchestrator.Start(handoff.StartInput{
		Provider:    q.Get("provider"),
		CallbackURL: q.Get("callbackUrl"),
		RequestID:   q.Get("requestId"),
	})
	if err != nil {
		if errors.Is(err, handoff.ErrUnknownProvider) {
			httpjson.WriteBadRequest(w, "unknown provider")
			return
		}
		log.LogErrorWithFields("server", "Start failed", map[string]any{
			"error": err.Error(),
		})
		httpjson.WriteInternalServerError(w, "failed to start sign-in")
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// CompleteHandler is the provider's redirect target. It always redirects to
// the app's custom scheme, success or error.
func (h *HandoffHandler) CompleteHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sessionToken := q.Get("session")
	if cookie, err := r.Cookie(providerSessionCookie); err == nil {
		sessionToken = cookie.Value
	}

	redirect := h.orchestrator.Complete(r.Context(), handoff.CompleteInput{
		Provider:     q.Get("provider"),
		CallbackURL:  q.Get("callbackUrl"),
		RequestID:    q.Get("requestId"),
		SessionToken: sessionToken,
	})

	http.Redirect(w, r, redirect, http.StatusFound)
}

// pendingResponse is the poll endpoint's single response shape
type pendingResponse struct {
	Status      string `json:"status"`
	Provider    string `json:"provider,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
	BridgeToken string `json:"bridgeToken,omitempty"`
	Message     string `json:"message,omitempty"`
}

// PendingHandler lets a polling client collect the handoff result
func (h *HandoffHandler) PendingHandler(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("requestId")
	if requestID == "" {
		httpjson.WriteBadRequest(w, "requestId is required")
		return
	}

	result, err := h.orchestrator.PendingPoll(r.Context(), requestID)
	if err != nil {
		log.LogErrorWithFields("server", "Pending poll failed", map[string]any{
			"error": err.Error(),
		})
		httpjson.WriteInternalServerError(w, "failed to read pending result")
		return
	}
	if result == nil {
		_ = httpjson.Write(w, pendingResponse{Status: "pending"})
		return
	}

	_ = httpjson.Write(w, pendingResponse{
		Status:      string(result.Status),
		Provider:    result.Provider,
		CallbackURL: result.CallbackPath,
		BridgeToken: result.BridgeToken,
		Message:     result.Message,
	})
}

// exchangeRequest is the exchange endpoint's body
type exchangeRequest struct {
	IdentityToken string `json:"identityToken"`
	CallbackURL   string `json:"callbackUrl,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
}

// exchangeResponse mirrors pendingResponse so clients share one contract
type exchangeResponse struct {
	Status      string `json:"status"`
	Provider    string `json:"provider"`
	CallbackURL string `json:"callbackUrl"`
	BridgeToken string `json:"bridgeToken"`
}

// ExchangeHandler trades a provider identity token for a bridge token
func (h *HandoffHandler) ExchangeHandler(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpjson.WriteBadRequest(w, "invalid JSON body")
		return
	}
	if req.IdentityToken == "" {
		httpjson.WriteBadRequest(w, "identityToken is required")
		return
	}

	result, err := h.orchestrator.Exchange(r.Context(), handoff.ExchangeInput{
		IdentityToken: req.IdentityToken,
		CallbackURL:   req.CallbackURL,
		RequestID:     req.RequestID,
		Name:          req.Name,
		Email:         req.Email,
	})
	switch {
	case errors.Is(err, handoff.ErrInvalidToken):
		httpjson.WriteUnauthorized(w, "invalid token")
		return
	case errors.Is(err, idtoken.ErrAudienceNotConfigured):
		log.LogErrorWithFields("server", "Exchange misconfigured", map[string]any{
			"error": err.Error(),
		})
		httpjson.WriteInternalServerError(w, "authentication misconfigured")
		return
	case err != nil:
		log.LogErrorWithFields("server", "Exchange failed", map[string]any{
			"error": err.Error(),
		})
		httpjson.WriteInternalServerError(w, "authentication temporarily unavailable")
		return
	}

	_ = httpjson.Write(w, exchangeResponse{
		Status:      string(pending.StatusSuccess),
		Provider:    result.Provider,
		CallbackURL: result.CallbackPath,
		BridgeToken: result.BridgeToken,
	})
}
