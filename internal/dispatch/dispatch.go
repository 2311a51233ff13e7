// Package dispatch runs the request pipeline: client version gate,
// authentication, rate check, route lookup, policy evaluation, parameter
// validation and restriction, backend invocation and audit.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/epam/modular-api/internal/audit"
	"github.com/epam/modular-api/internal/auth"
	"github.com/epam/modular-api/internal/meta"
	"github.com/epam/modular-api/internal/policy"
	"github.com/epam/modular-api/internal/ratelimit"
	"github.com/epam/modular-api/internal/registry"
	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/metrics"
	"github.com/epam/modular-api/pkg/models"
)

// CliVersionHeader carries the client version checked against the
// configured minimum.
const CliVersionHeader = "Modular-Cli-Version"

// DefaultBackendTimeout bounds one backend call unless configured
// otherwise.
const DefaultBackendTimeout = 60 * time.Second

// Config carries the dispatcher knobs.
type Config struct {
	BackendURL     string
	BackendTimeout time.Duration
	MinCliVersion  string
}

// Result is the outcome forwarded to the client: the backend's status,
// body and content type, unmodified.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
}

// Dispatcher chains the pipeline steps. Each step failure maps to one
// typed error; the HTTP layer translates them to status codes.
type Dispatcher struct {
	authn    *auth.Authenticator
	tokens   *auth.TokenService
	limiter  *ratelimit.Limiter
	registry *registry.Registry
	resolver *policy.Resolver
	auditor  *audit.Service
	metrics  *metrics.ServerMetrics
	logger   *slog.Logger

	client         *http.Client
	backendURL     string
	backendTimeout time.Duration
	minCliVersion  *goversion.Version
}

// New creates a dispatcher. An empty MinCliVersion disables the version
// gate; a nil metrics set disables instrumentation.
func New(
	authn *auth.Authenticator,
	tokens *auth.TokenService,
	limiter *ratelimit.Limiter,
	reg *registry.Registry,
	resolver *policy.Resolver,
	auditor *audit.Service,
	m *metrics.ServerMetrics,
	logger *slog.Logger,
	cfg Config,
) (*Dispatcher, error) {
	d := &Dispatcher{
		authn:          authn,
		tokens:         tokens,
		limiter:        limiter,
		registry:       reg,
		resolver:       resolver,
		auditor:        auditor,
		metrics:        m,
		logger:         logger,
		client:         &http.Client{},
		backendURL:     strings.TrimSuffix(cfg.BackendURL, "/"),
		backendTimeout: cfg.BackendTimeout,
	}
	if d.backendTimeout <= 0 {
		d.backendTimeout = DefaultBackendTimeout
	}
	if cfg.MinCliVersion != "" {
		v, err := goversion.NewVersion(cfg.MinCliVersion)
		if err != nil {
			return nil, fmt.Errorf("parse minimum client version: %w", err)
		}
		d.minCliVersion = v
	}
	return d, nil
}

// Dispatch runs the pipeline for one request.
func (d *Dispatcher) Dispatch(r *http.Request) (*Result, error) {
	result, err := d.dispatch(r)
	d.count(err)
	return result, err
}

func (d *Dispatcher) dispatch(r *http.Request) (*Result, error) {
	ctx := r.Context()

	if err := d.checkCliVersion(r); err != nil {
		return nil, err
	}

	user, err := d.authn.Authenticate(ctx, r)
	if err != nil {
		return nil, err
	}

	route := r.Method + " " + r.URL.Path
	if err := d.limiter.Allow(ctx, user.Username, route); err != nil {
		return nil, err
	}

	cmd, err := d.registry.Catalog().Lookup(r.Method, r.URL.Path)
	if err != nil {
		return nil, err
	}

	if err := d.authorize(ctx, user, cmd); err != nil {
		return nil, err
	}

	params, err := meta.Validate(cmd, r.URL.Query())
	if err != nil {
		return nil, err
	}
	params, err = meta.Restrict(user, params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := d.invoke(ctx, r, user, cmd, params)
	if d.metrics != nil {
		d.metrics.BackendDuration.WithLabelValues(cmd.Module).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	if !cmd.Describe {
		d.record(ctx, cmd, params, result)
	}
	return result, nil
}

// checkCliVersion rejects clients below the configured minimum. With a
// gate configured, a missing or unparsable version header is rejected
// too.
func (d *Dispatcher) checkCliVersion(r *http.Request) error {
	if d.minCliVersion == nil {
		return nil
	}
	raw := r.Header.Get(CliVersionHeader)
	if raw == "" {
		return fmt.Errorf("missing %s header: %w", CliVersionHeader, errors.ErrUnsupportedCliVersion)
	}
	have, err := goversion.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("bad client version %q: %w", raw, errors.ErrUnsupportedCliVersion)
	}
	if have.LessThan(d.minCliVersion) {
		return fmt.Errorf("client %s below minimum %s: %w",
			have, d.minCliVersion, errors.ErrUnsupportedCliVersion)
	}
	return nil
}

func (d *Dispatcher) authorize(ctx context.Context, user *models.User, cmd *registry.CommandMeta) error {
	statements, err := d.resolver.ForUser(ctx, user.Username)
	if err != nil {
		return err
	}
	decision := policy.Evaluate(statements, cmd.Module, cmd.Path)
	if !decision.Allowed {
		if d.metrics != nil {
			d.metrics.DenialsTotal.WithLabelValues(cmd.Module).Inc()
		}
		return errors.NewDeniedError(cmd.Module, cmd.Path, decision.Reason)
	}
	return nil
}

// invoke issues the backend call declared by the command meta, carrying
// the normalized parameters as the query string and a short-lived
// inter-service token.
func (d *Dispatcher) invoke(
	ctx context.Context,
	r *http.Request,
	user *models.User,
	cmd *registry.CommandMeta,
	params map[string][]string,
) (*Result, error) {
	serviceToken, err := d.tokens.IssueServiceToken(user.Username)
	if err != nil {
		return nil, fmt.Errorf("issue service token: %w", err)
	}

	target := d.backendURL + cmd.Route.Path
	query := url.Values(params).Encode()
	if query != "" {
		target += "?" + query
	}

	ctx, cancel := context.WithTimeout(ctx, d.backendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, cmd.Route.Method, target, r.Body)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+serviceToken)
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if id := r.Header.Get("X-Request-ID"); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("backend %s %s: %w",
				cmd.Route.Method, cmd.Route.Path, errors.ErrUpstreamTimeout)
		}
		return nil, fmt.Errorf("backend %s %s: %v: %w",
			cmd.Route.Method, cmd.Route.Path, err, errors.ErrUpstreamError)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read backend response: %w", errors.ErrUpstreamError)
	}
	return &Result{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// record appends the audit entry. Audit failures are logged, not
// surfaced: the call already succeeded from the client's point of view.
func (d *Dispatcher) record(
	ctx context.Context,
	cmd *registry.CommandMeta,
	params map[string][]string,
	result *Result,
) {
	outcome := "succeeded"
	if result.Status >= 400 {
		outcome = fmt.Sprintf("failed with status %d", result.Status)
	}
	_, err := d.auditor.Append(ctx, audit.Entry{
		Group:      cmd.Module,
		Command:    cmd.Path,
		Parameters: params,
		Result:     outcome,
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "audit append failed",
			"module", cmd.Module, "command", cmd.Path, "error", err)
	}
}

func (d *Dispatcher) count(err error) {
	if d.metrics == nil {
		return
	}
	outcome := "allowed"
	if err != nil {
		switch errors.Code(err) {
		case "DENIED":
			outcome = "denied"
		case "RATE_LIMITED":
			outcome = "rate_limited"
			d.metrics.RateLimitedTotal.Inc()
		case "INVALID_PAYLOAD", "RESTRICTED_VALUE":
			outcome = "validation_failed"
		case "UPSTREAM_ERROR":
			outcome = "upstream_error"
		case "UPSTREAM_TIMEOUT":
			outcome = "upstream_timeout"
		default:
			outcome = "error"
		}
	}
	d.metrics.DispatchTotal.WithLabelValues(outcome).Inc()
}
