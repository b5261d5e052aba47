package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"healthgate.org/internal/audit"
	"healthgate.org/internal/auth"
	"healthgate.org/internal/identity"
	"healthgate.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

type principalHandler func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// withAuth authenticates the bearer token and hands the principal to next.
func (a *API) withAuth(next principalHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="healthgate"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		principal, err := a.tokens.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidToken) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="healthgate", error="invalid_token"`)
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			a.logger.Error("authentication failed",
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.Error(err),
			)
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		next(w, r, principal)
	})
}

// authorize runs a contextual check, counts it and audits a deny. On deny it
// writes the 403 and returns false.
func (a *API) authorize(w http.ResponseWriter, r *http.Request, p auth.Principal, perm auth.Permission, actx auth.AccessContext) bool {
	ctx := r.Context()
	decision := a.authz.Decide(ctx, p, perm, actx)
	resource := string(actx.ResourceType)
	if resource == "" {
		resource = string(perm.Resource())
	}
	if decision.Err != nil && !errors.Is(decision.Err, auth.ErrNotFound) {
		a.logger.Warn("ownership lookup failed",
			zap.String("request_id", RequestIDFromContext(ctx)),
			zap.String("resource", resource),
			zap.String("resource_id", actx.ResourceID),
			zap.Error(decision.Err),
		)
	}
	if decision.Allowed {
		obs.AuthzDecisions.WithLabelValues(resource, "allow").Inc()
		return true
	}
	obs.AuthzDecisions.WithLabelValues(resource, "deny").Inc()
	a.recordDenied(ctx, p, perm, resource, actx.ResourceID, decision.Reason)
	writeError(w, r, http.StatusForbidden, "forbidden")
	return false
}

func (a *API) recordDenied(ctx context.Context, p auth.Principal, perm auth.Permission, resource, id string, reason auth.DenyReason) {
	a.audit.Record(ctx, audit.Entry{
		ActorID:      p.ID,
		ActorEmail:   p.Email,
		Action:       audit.ActionPermissionDenied,
		ResourceType: resource,
		ResourceID:   id,
		Metadata: map[string]any{
			"permission": string(perm),
			"reason":     string(reason),
		},
	})
}

// scopedPermission picks the token to check for action on resource: the
// broadest one held, or the ALL token when none is held so the deny reason
// is missing_permission.
func scopedPermission(p auth.Principal, resource auth.ResourceType, action auth.Action, all auth.Permission) auth.Permission {
	if perm, ok := auth.BroadestHeld(p.EffectivePermissions(), resource, action); ok {
		return perm
	}
	return all
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
