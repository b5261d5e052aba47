package auth

import (
	"context"
	"errors"
	"fmt"
)

// ResourceRef identifies one resource instance.
type ResourceRef struct {
	Type ResourceType
	ID   string
}

// Descriptor declares how ownership of a resource type is established.
type Descriptor struct {
	Resource ResourceType
	// Parent names the resource whose row carries the ownership links.
	Parent ResourceType
	// MergeParent keeps the resource's own assignees alongside the parent's
	// links instead of replacing them.
	MergeParent bool
	// SelfByID means the resource id is itself the owning principal id.
	SelfByID bool
}

var descriptors = map[ResourceType]Descriptor{
	ResourcePatient:       {Resource: ResourcePatient},
	ResourceMedicalRecord: {Resource: ResourceMedicalRecord, Parent: ResourcePatient},
	ResourceAppointment:   {Resource: ResourceAppointment, Parent: ResourcePatient, MergeParent: true},
	ResourceUser:          {Resource: ResourceUser, SelfByID: true},
}

// OwnershipResolver decides whether a principal may touch a specific
// resource instance given the scopes its permissions grant.
type OwnershipResolver struct {
	source OwnershipSource
}

// NewOwnershipResolver constructs a resolver backed by source.
func NewOwnershipResolver(source OwnershipSource) (*OwnershipResolver, error) {
	if source == nil {
		return nil, errors.New("ownership source is required")
	}
	return &OwnershipResolver{source: source}, nil
}

// Resolve reports whether principal may apply perm to ref. Lookup failures
// and missing rows deny.
func (r *OwnershipResolver) Resolve(ctx context.Context, principal Principal, ref ResourceRef, perm Permission) bool {
	ok, _ := r.ResolveErr(ctx, principal, ref, perm)
	return ok
}

// ResolveErr is Resolve that also surfaces store failures other than
// ErrNotFound so callers can log them. The verdict is false whenever err is set.
func (r *OwnershipResolver) ResolveErr(ctx context.Context, principal Principal, ref ResourceRef, perm Permission) (bool, error) {
	desc, ok := descriptors[ref.Type]
	if !ok || ref.ID == "" || perm.Resource() != ref.Type {
		return false, nil
	}
	scopes := heldScopes(principal.EffectivePermissions(), perm.Resource(), perm.Action())
	if scopes[ScopeAll] || scopes[ScopeNone] {
		return true, nil
	}
	if !scopes[ScopeOwn] && !scopes[ScopeAssigned] {
		return false, nil
	}
	if desc.SelfByID {
		return scopes[ScopeOwn] && ref.ID == principal.ID, nil
	}

	rec, err := r.lookup(ctx, desc, ref.ID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if scopes[ScopeOwn] && rec.OwnerID != "" && rec.OwnerID == principal.ID {
		return true, nil
	}
	if scopes[ScopeAssigned] {
		for _, id := range rec.AssigneeIDs {
			if id != "" && id == principal.ID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *OwnershipResolver) lookup(ctx context.Context, desc Descriptor, id string) (OwnershipRecord, error) {
	rec, err := r.source.Ownership(ctx, desc.Resource, id)
	if err != nil {
		return OwnershipRecord{}, err
	}
	if desc.Parent == "" {
		return rec, nil
	}
	if rec.ParentID == "" {
		return OwnershipRecord{}, fmt.Errorf("%w: %s %s has no %s", ErrNotFound, desc.Resource, id, desc.Parent)
	}
	parentDesc, ok := descriptors[desc.Parent]
	if !ok {
		return OwnershipRecord{}, fmt.Errorf("no ownership descriptor for %s", desc.Parent)
	}
	parent, err := r.lookup(ctx, parentDesc, rec.ParentID)
	if err != nil {
		return OwnershipRecord{}, err
	}
	if !desc.MergeParent {
		return parent, nil
	}
	merged := OwnershipRecord{
		OwnerID:     rec.OwnerID,
		AssigneeIDs: append(append([]string{}, rec.AssigneeIDs...), parent.AssigneeIDs...),
	}
	if merged.OwnerID == "" {
		merged.OwnerID = parent.OwnerID
	}
	return merged, nil
}
