// Package gateway holds the resources served behind Hawk authentication and
// the delegated verification service.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hawk-auth-gateway/pkg/api"
	"hawk-auth-gateway/pkg/auth"
	"hawk-auth-gateway/pkg/grpcauth"
	"hawk-auth-gateway/pkg/metrics"
	"hawk-auth-gateway/pkg/models"
)

type Service struct {
	engine  *auth.Engine
	metrics *metrics.Recorder
	logger  zerolog.Logger

	// trusted key ids receive the rejection reason of delegated verifications
	trusted map[string]struct{}
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithTrustedCallers lets the listed key ids see why a delegated
// verification failed. Everyone else only learns that it did.
func WithTrustedCallers(keyIDs ...string) ServiceOption {
	return func(s *Service) {
		for _, id := range keyIDs {
			s.trusted[id] = struct{}{}
		}
	}
}

func NewService(engine *auth.Engine, recorder *metrics.Recorder, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		engine:  engine,
		metrics: recorder,
		logger:  logger,
		trusted: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WhoAmI reports the identity the request was authenticated as.
func (s *Service) WhoAmI(w http.ResponseWriter, r *http.Request) {
	requestID := api.RequestIDFromContext(r)
	identity, ok := api.IdentityFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, api.CodeUnauthorized, "Unauthorized", requestID)
		return
	}
	s.writeJSON(w, http.StatusOK, s.identityResponse(identity, requestID))
}

// Echo returns the request body with the caller's identity. JSON bodies are
// echoed as JSON, anything else only by size.
func (s *Service) Echo(w http.ResponseWriter, r *http.Request) {
	requestID := api.RequestIDFromContext(r)
	identity, ok := api.IdentityFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, api.CodeUnauthorized, "Unauthorized", requestID)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestID).Msg("Failed to read echo body")
		s.writeError(w, http.StatusBadRequest, "READ_ERROR", "Failed to read request body", requestID)
		return
	}

	resp := models.EchoResponse{
		Identity:    s.identityResponse(identity, requestID),
		Method:      r.Method,
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		Size:        len(body),
	}
	if len(body) > 0 && strings.Contains(resp.ContentType, "json") && json.Valid(body) {
		resp.Body = json.RawMessage(body)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// HandleVerify verifies a request described in the body on behalf of the
// caller, e.g. a sidecar that terminates the original connection.
func (s *Service) HandleVerify(w http.ResponseWriter, r *http.Request) {
	requestID := api.RequestIDFromContext(r)

	var req models.VerifyRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", requestID)
		return
	}
	if req.Method == "" || req.URI == "" {
		s.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "method and uri are required", requestID)
		return
	}
	if req.RequestID == "" {
		req.RequestID = requestID
	}

	s.writeJSON(w, http.StatusOK, s.Verify(r.Context(), req))
}

// Verify runs the engine on a delegated request. Rejections carry the
// challenge; the reason is logged and only returned to trusted callers.
func (s *Service) Verify(ctx context.Context, req models.VerifyRequest) models.VerifyResponse {
	start := time.Now()
	res := s.engine.Verify(ctx, auth.Request{
		Authorization: req.Authorization,
		Method:        req.Method,
		URI:           req.URI,
		Host:          req.Host,
		Scheme:        req.Scheme,
		RequestID:     req.RequestID,
	})
	s.metrics.ObserveVerification(metrics.TransportDelegated, res.Reason, time.Since(start))

	if res.Authenticated() {
		return models.VerifyResponse{Authenticated: true, KeyID: res.Identity.KeyID}
	}

	caller := callerKeyID(ctx)
	s.logger.Info().
		Str("request_id", req.RequestID).
		Str("caller", caller).
		Str("reason", res.Reason.String()).
		Msg("Delegated verification rejected")

	resp := models.VerifyResponse{Challenge: res.Challenge}
	if _, ok := s.trusted[caller]; ok && caller != "" {
		resp.Reason = res.Reason.String()
	}
	return resp
}

// callerKeyID is the key id the verify call was authenticated with, over
// HTTP or gRPC.
func callerKeyID(ctx context.Context) string {
	if id, ok := api.IdentityFromContext(ctx); ok {
		return id.KeyID
	}
	if id, ok := grpcauth.IdentityFromContext(ctx); ok {
		return id.KeyID
	}
	return ""
}

func (s *Service) identityResponse(id *auth.Identity, requestID string) models.IdentityResponse {
	return models.IdentityResponse{
		Name:      id.Name,
		KeyID:     id.KeyID,
		Ext:       id.Ext,
		Timestamp: id.Timestamp,
		RequestID: requestID,
		Scheme:    s.engine.Scheme(),
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Service) writeError(w http.ResponseWriter, statusCode int, code, message, requestID string) {
	s.writeJSON(w, statusCode, models.ErrorResponse{
		Error: models.ErrorDetails{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	})
}
