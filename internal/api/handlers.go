package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/epam/modular-api/internal/auth"
	"github.com/epam/modular-api/internal/dispatch"
	"github.com/epam/modular-api/internal/policy"
	"github.com/epam/modular-api/internal/registry"
	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/metrics"
	"github.com/epam/modular-api/pkg/models"
	"github.com/epam/modular-api/pkg/store"
)

// VersionHeader carries the server version on every dispatched response.
const VersionHeader = "Modular-Api-Version"

// Handler bundles the HTTP handlers and their dependencies.
type Handler struct {
	authn      *auth.Authenticator
	tokens     *auth.TokenService
	registry   *registry.Registry
	resolver   *policy.Resolver
	dispatcher *dispatch.Dispatcher
	store      store.Store
	metrics    *metrics.ServerMetrics
	logger     *slog.Logger

	version     string
	privateMode bool
}

// NewHandler creates the handler set. privateMode hides the OpenAPI
// document.
func NewHandler(
	authn *auth.Authenticator,
	tokens *auth.TokenService,
	reg *registry.Registry,
	resolver *policy.Resolver,
	dispatcher *dispatch.Dispatcher,
	st store.Store,
	m *metrics.ServerMetrics,
	logger *slog.Logger,
	version string,
	privateMode bool,
) *Handler {
	return &Handler{
		authn:       authn,
		tokens:      tokens,
		registry:    reg,
		resolver:    resolver,
		dispatcher:  dispatcher,
		store:       st,
		metrics:     m,
		logger:      logger,
		version:     version,
		privateMode: privateMode,
	}
}

// LoginResponse is the POST /login payload.
type LoginResponse struct {
	AccessToken  string                          `json:"access_token"`
	RefreshToken string                          `json:"refresh_token"`
	TokenType    string                          `json:"token_type"`
	ExpiresIn    int64                           `json:"expires_in"`
	Version      string                          `json:"version"`
	Meta         map[string]*registry.ModuleMeta `json:"meta,omitempty"`
}

// Login exchanges basic credentials for a session and a refresh token.
// With ?meta=true the response carries the caller's API meta: the
// commands the effective policy allows.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok {
		h.countAuth("basic", "failure")
		writeError(w, fmt.Errorf("basic credentials required: %w", errors.ErrAuthenticationFailed))
		return
	}

	user, err := h.authn.Login(r.Context(), username, password)
	if err != nil {
		h.countAuth("basic", "failure")
		writeError(w, err)
		return
	}
	h.countAuth("basic", "success")

	resp, err := h.issueTokens(r.Context(), user.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("meta") == "true" {
		meta, err := h.allowedMeta(r.Context(), user)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.Meta = meta
	}
	writeJSON(w, http.StatusOK, resp)
}

// RefreshRequest is the POST /refresh payload.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh rotates both tokens. The presented refresh token must match
// the stored version; the user must still exist and not be blocked.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := readJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, errors.NewValidationError("refresh_token", "required"))
		return
	}

	username, err := h.tokens.ValidateRefresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	user, err := h.authn.Check(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.issueTokens(r.Context(), user.Username)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Logout revokes every session token of the authenticated caller.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	user, err := h.authn.Authenticate(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.tokens.RevokeAll(r.Context(), user.Username); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// Health reports server liveness and store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "degraded",
			"version": h.version,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Swagger serves the OpenAPI document of the caller's API meta. Hidden
// in private mode.
func (h *Handler) Swagger(w http.ResponseWriter, r *http.Request) {
	if h.privateMode {
		writeError(w, fmt.Errorf("GET /swagger: %w", errors.ErrNoSuchRoute))
		return
	}
	user, err := h.authn.Authenticate(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}
	meta, err := h.allowedMeta(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registry.OpenAPI(meta, h.version))
}

// Dispatch runs the pipeline for module routes and forwards the backend
// response unmodified.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	result, err := h.dispatcher.Dispatch(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	w.Header().Set(VersionHeader, h.version)
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

func (h *Handler) issueTokens(ctx context.Context, username string) (*LoginResponse, error) {
	access, err := h.tokens.Issue(ctx, username)
	if err != nil {
		return nil, err
	}
	refresh, err := h.tokens.IssueRefresh(ctx, username)
	if err != nil {
		return nil, err
	}
	return &LoginResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(auth.SessionTokenTTL.Seconds()),
		Version:      h.version,
	}, nil
}

// allowedMeta projects the catalog down to the commands the user's
// effective policy allows.
func (h *Handler) allowedMeta(ctx context.Context, user *models.User) (map[string]*registry.ModuleMeta, error) {
	statements, err := h.resolver.ForUser(ctx, user.Username)
	if err != nil {
		return nil, err
	}
	filter := func(cmd *registry.CommandMeta) bool {
		return policy.Evaluate(statements, cmd.Module, cmd.Path).Allowed
	}
	return h.registry.Catalog().APIMeta(filter), nil
}

func (h *Handler) countAuth(scheme, result string) {
	if h.metrics != nil {
		h.metrics.AuthAttempts.WithLabelValues(scheme, result).Inc()
	}
}
