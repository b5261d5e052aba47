package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"healthgate.org/internal/audit"
	"healthgate.org/internal/auth"
	"healthgate.org/internal/obs"
	"healthgate.org/internal/pii"
)

// ReadyChecker reports whether backing services answer. *pg.Store satisfies it.
type ReadyChecker interface {
	Ping(ctx context.Context) error
}

// Authenticator turns a bearer token into a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Principal, error)
}

// PatientReader loads one stored patient row.
type PatientReader interface {
	Patient(ctx context.Context, id string) (pii.Record, error)
}

// Deps are the collaborators of the HTTP layer. All but Ready are required.
type Deps struct {
	Tokens    Authenticator
	Authz     *auth.Authorizer
	Roles     *auth.RoleManager
	Catalog   *auth.RoleCatalog
	Protector pii.Protector
	Patients  PatientReader
	Audit     audit.Recorder
	Ready     ReadyChecker
	Version   string
}

// API is the HTTP surface in front of the access-control core.
type API struct {
	mux       *http.ServeMux
	tokens    Authenticator
	authz     *auth.Authorizer
	roles     *auth.RoleManager
	catalog   *auth.RoleCatalog
	protector pii.Protector
	patients  PatientReader
	audit     audit.Recorder
	ready     ReadyChecker
	version   string
	logger    *zap.Logger

	rateBurst  int
	ratePerSec float64
	maxBody    int64
	proxies    TrustedProxies
}

// Option tunes an API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket. A zero rate disables it.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithTrustedProxies sets the peers allowed to report the client address
// through X-Forwarded-For. With none, the socket peer is the client.
func WithTrustedProxies(p TrustedProxies) Option {
	return func(a *API) {
		a.proxies = p
	}
}

// WithLogger sets the request and error logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

func New(deps Deps, opts ...Option) (*API, error) {
	switch {
	case deps.Tokens == nil:
		return nil, errors.New("token authenticator is required")
	case deps.Authz == nil:
		return nil, errors.New("authorizer is required")
	case deps.Roles == nil:
		return nil, errors.New("role manager is required")
	case deps.Catalog == nil:
		return nil, errors.New("role catalog is required")
	case deps.Protector == nil:
		return nil, errors.New("pii protector is required")
	case deps.Patients == nil:
		return nil, errors.New("patient reader is required")
	case deps.Audit == nil:
		return nil, errors.New("audit recorder is required")
	}
	a := &API{
		mux:        http.NewServeMux(),
		tokens:     deps.Tokens,
		authz:      deps.Authz,
		roles:      deps.Roles,
		catalog:    deps.Catalog,
		protector:  deps.Protector,
		patients:   deps.Patients,
		audit:      deps.Audit,
		ready:      deps.Ready,
		version:    deps.Version,
		logger:     obs.Logger(),
		rateBurst:  40,
		ratePerSec: 20,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.Handle("GET /v1/patients/{id}", a.withAuth(a.getPatient))

	a.mux.Handle("GET /v1/users/{id}/roles", a.withAuth(a.listUserRoles))
	a.mux.Handle("POST /v1/users/{id}/roles", a.withAuth(a.grantRole))
	a.mux.Handle("DELETE /v1/users/{id}/roles/{role}", a.withAuth(a.revokeRole))
	a.mux.Handle("PUT /v1/users/{id}/role", a.withAuth(a.setPrimaryRole))

	a.mux.Handle("GET /v1/roles", a.withAuth(a.listRoles))
	a.mux.Handle("POST /v1/roles", a.withAuth(a.createRole))
	a.mux.Handle("PUT /v1/roles/{name}/permissions", a.withAuth(a.setRolePermissions))
	a.mux.Handle("DELETE /v1/roles/{name}", a.withAuth(a.deleteRole))

	return a, nil
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = Logging(h, a.logger)
	h = RequestID(h, a.proxies)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "healthgate",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if !a.protector.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "field encryption key not configured",
		})
		return
	}
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleAuthError maps core errors to responses. Permission failures never
// carry detail; the audit entry already holds it.
func (a *API) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrTransaction):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusInternalServerError, "transaction failed, retry")
	case errors.Is(err, pii.ErrNotInitialized):
		writeError(w, r, http.StatusInternalServerError, "protected data unavailable")
	default:
		a.logger.Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
