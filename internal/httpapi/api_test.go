package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap"

	"healthgate.org/internal/audit"
	"healthgate.org/internal/auth"
	"healthgate.org/internal/identity"
	"healthgate.org/internal/pii"
	"healthgate.org/internal/store/memory"
)

type captureRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

// Record keeps entries in memory and, like audit.Trail, takes the request
// metadata from ctx when the caller left it empty.
func (c *captureRecorder) Record(ctx context.Context, e audit.Entry) {
	if e.Request == (audit.RequestMeta{}) {
		e.Request = audit.RequestFromContext(ctx)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *captureRecorder) all() []audit.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audit.Entry(nil), c.entries...)
}

func (c *captureRecorder) last(t *testing.T) audit.Entry {
	t.Helper()
	all := c.all()
	if len(all) == 0 {
		t.Fatalf("no audit entries recorded")
	}
	return all[len(all)-1]
}

func (c *captureRecorder) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

type stubChecker struct{ err error }

func (s stubChecker) Ping(context.Context) error { return s.err }

type testEnv struct {
	t      *testing.T
	store  *memory.Store
	rec    *captureRecorder
	tokens *identity.Verifier
	srv    *httptest.Server
}

var testFieldKey = bytes.Repeat([]byte{7}, 32)

// newTestEnv wires the API over the memory store. Principals:
// root-0 SUPER_ADMIN, admin-1 ADMIN, doc-1 DOCTOR, nurse-1 and nurse-2 NURSE, recep-1
// RECEPTIONIST, u1 DOCTOR, pat-1 and pat-2 with the baseline role.
// Patient p1 belongs to pat-1 and is assigned to doc-1 and nurse-1.
func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	rec := &captureRecorder{}

	catalog, err := auth.NewRoleCatalog(store, rec)
	if err != nil {
		t.Fatalf("NewRoleCatalog: %v", err)
	}
	if err := catalog.SeedSystemRoles(ctx); err != nil {
		t.Fatalf("SeedSystemRoles: %v", err)
	}
	resolver, err := auth.NewOwnershipResolver(store)
	if err != nil {
		t.Fatalf("NewOwnershipResolver: %v", err)
	}
	authz, err := auth.NewAuthorizer(resolver)
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	mgr, err := auth.NewRoleManager(store, authz, rec, auth.WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewRoleManager: %v", err)
	}
	tokens, err := identity.NewVerifier("test-secret", identity.WithPermissionSource(mgr))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	if err := store.AddPrincipal(auth.PrincipalRecord{ID: "root-0", Email: "root-0@clinic.test"}, auth.RoleSuperAdmin); err != nil {
		t.Fatalf("AddPrincipal root-0: %v", err)
	}
	root := auth.NewPrincipal("root-0", auth.RoleSuperAdmin)
	grants := map[string]auth.RoleName{
		"admin-1": auth.RoleAdmin,
		"doc-1":   auth.RoleDoctor,
		"nurse-1": auth.RoleNurse,
		"nurse-2": auth.RoleNurse,
		"recep-1": auth.RoleReceptionist,
		"u1":      auth.RoleDoctor,
	}
	for _, id := range []string{"admin-1", "doc-1", "nurse-1", "nurse-2", "recep-1", "u1", "pat-1", "pat-2"} {
		if err := store.AddPrincipal(auth.PrincipalRecord{ID: id, Email: id + "@clinic.test", PrimaryRole: auth.BaselineRole}); err != nil {
			t.Fatalf("AddPrincipal %s: %v", id, err)
		}
		if role, ok := grants[id]; ok {
			if _, err := mgr.GrantAdditional(ctx, root, id, role, "setup"); err != nil {
				t.Fatalf("grant %s to %s: %v", role, id, err)
			}
		}
	}

	protector := pii.New(testFieldKey, pii.PatientPolicy, pii.WithLogger(zap.NewNop()))
	sealed, err := protector.Seal(pii.Record{
		"full_name":        "Jane Doe",
		"email":            "jane.doe@example.com",
		"phone":            "+1 (555) 123-4567",
		"blood_type":       "O+",
		"insurance_number": "INS-99812345",
	})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	store.PutPatient("p1", "pat-1", []string{"doc-1", "nurse-1"}, sealed)

	deps := Deps{
		Tokens:    tokens,
		Authz:     authz,
		Roles:     mgr,
		Catalog:   catalog,
		Protector: protector,
		Patients:  store,
		Audit:     rec,
		Ready:     stubChecker{},
		Version:   "test",
	}
	if mutate != nil {
		mutate(&deps)
	}
	api, err := New(deps, WithRateLimit(0, 0), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	rec.reset()
	return &testEnv{t: t, store: store, rec: rec, tokens: tokens, srv: srv}
}

func (e *testEnv) token(id string, role auth.RoleName) string {
	e.t.Helper()
	tok, err := e.tokens.Issue(id, id+"@clinic.test", role)
	if err != nil {
		e.t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (e *testEnv) do(method, path, token string, body any) *http.Response {
	e.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, payload)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, nil)
	if resp := env.do(http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}
	resp := env.do(http.MethodGet, "/readyz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" || resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("middleware headers missing: %v", resp.Header)
	}
	if resp := env.do(http.MethodGet, "/metrics", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", resp.StatusCode)
	}
}

func TestReadinessFailures(t *testing.T) {
	down := newTestEnv(t, func(d *Deps) { d.Ready = stubChecker{err: errors.New("connection refused")} })
	if resp := down.do(http.MethodGet, "/readyz", "", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the database is down, got %d", resp.StatusCode)
	}

	nokey := newTestEnv(t, func(d *Deps) { d.Protector = pii.New(nil, pii.PatientPolicy, pii.WithLogger(zap.NewNop())) })
	body := decode[map[string]any](t, nokey.do(http.MethodGet, "/readyz", "", nil))
	if body["status"] != "not_ready" {
		t.Fatalf("expected not_ready without a field key, got %v", body)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(http.MethodGet, "/v1/patients/p1", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate challenge")
	}
	if resp := env.do(http.MethodGet, "/v1/patients/p1", "not-a-jwt", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", resp.StatusCode)
	}
	ghost := env.token("ghost", auth.RoleAdmin)
	if resp := env.do(http.MethodGet, "/v1/patients/p1", ghost, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a principal that does not exist, got %d", resp.StatusCode)
	}
	if n := len(env.rec.all()); n != 0 {
		t.Fatalf("unauthenticated requests must not reach the audit trail, got %d entries", n)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatalf("expected error for empty deps")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]bool{
		"Bearer abc":   true,
		"bearer  abc ": true,
		"":             false,
		"Basic abc":    false,
		"Bearer ":      false,
	}
	for header, ok := range cases {
		tok, err := extractBearerToken(header)
		if ok && (err != nil || tok != "abc") {
			t.Fatalf("extractBearerToken(%q) = %q, %v", header, tok, err)
		}
		if !ok && err == nil {
			t.Fatalf("extractBearerToken(%q) should fail", header)
		}
	}
}
