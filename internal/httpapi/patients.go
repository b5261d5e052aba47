package httpapi

import (
	"net/http"
	"strings"

	"healthgate.org/internal/audit"
	"healthgate.org/internal/auth"
	"healthgate.org/internal/pii"
)

// getPatient returns one patient with protected fields rendered for the
// caller's disclosure tier. Every outcome is audited.
func (a *API) getPatient(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	ctx := r.Context()
	id := strings.TrimSpace(r.PathValue("id"))
	perm := scopedPermission(p, auth.ResourcePatient, auth.ActionRead, auth.PermPatientsReadAll)
	if !a.authorize(w, r, p, perm, auth.ForResource(auth.ResourcePatient, id)) {
		return
	}

	tier := pii.TierFor(p.EffectivePermissions())
	entry := audit.Entry{
		ActorID:      p.ID,
		ActorEmail:   p.Email,
		Action:       audit.ActionPHIAccess,
		ResourceType: string(auth.ResourcePatient),
		ResourceID:   id,
		Metadata: map[string]any{
			"permission": string(perm),
			"tier":       tier.String(),
		},
	}

	rec, err := a.patients.Patient(ctx, id)
	if err != nil {
		entry.ErrorMessage = err.Error()
		a.audit.Record(ctx, entry)
		a.handleAuthError(w, r, err)
		return
	}
	out, err := a.protector.Reveal(ctx, []pii.Record{rec}, tier)
	if err != nil {
		entry.ErrorMessage = err.Error()
		a.audit.Record(ctx, entry)
		a.handleAuthError(w, r, err)
		return
	}
	entry.Success = true
	a.audit.Record(ctx, entry)
	writeJSON(w, http.StatusOK, out[0])
}
