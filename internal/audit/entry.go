package audit

import (
	"context"
	"strings"
	"time"
)

// Action classifies an audit entry.
type Action string

const (
	ActionCreate     Action = "CREATE"
	ActionRead       Action = "READ"
	ActionUpdate     Action = "UPDATE"
	ActionDelete     Action = "DELETE"
	ActionRoleGrant  Action = "ROLE_GRANT"
	ActionRoleChange Action = "ROLE_CHANGE"
	ActionRoleRevoke Action = "ROLE_REVOKE"
	ActionRoleDefine Action = "ROLE_DEFINE"
	ActionPHIAccess  Action = "PHI_ACCESS"

	// ActionPermissionDenied records an authorization check that failed.
	ActionPermissionDenied Action = "PERMISSION_DENIED"
	// ActionAccessDenied records a refusal by a guard outside the
	// authorization check, such as a self role change.
	ActionAccessDenied Action = "ACCESS_DENIED"
)

// RequestMeta describes the request that caused an entry.
type RequestMeta struct {
	RequestID string `json:"request_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Entry is one immutable audit record.
type Entry struct {
	ID           string         `json:"id"`
	ActorID      string         `json:"actor_id"`
	ActorEmail   string         `json:"actor_email,omitempty"`
	Action       Action         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	OldValues    map[string]any `json:"old_values,omitempty"`
	NewValues    map[string]any `json:"new_values,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Request      RequestMeta    `json:"request"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Recorder accepts audit entries. Implementations never report failure to
// the caller; an audit problem must not change the outcome of the action.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Sink persists entries. Entries are append-only.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

type requestMetaKey struct{}

// WithRequest attaches request metadata to the context for audit entries.
func WithRequest(ctx context.Context, meta RequestMeta) context.Context {
	meta.RequestID = strings.TrimSpace(meta.RequestID)
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// WithRequestID attaches only the request identifier.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	meta := RequestFromContext(ctx)
	meta.RequestID = requestID
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestFromContext returns the request metadata attached to ctx, if any.
func RequestFromContext(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	meta, _ := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta
}

func cloneMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
