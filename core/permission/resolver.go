package permission

import (
	"context"
	"sort"

	"github.com/updraft-io/updraft/core/catalog"
	"github.com/updraft-io/updraft/core/infra/logging"
)

// Identity is the caller as asserted by the front-end surface. Roles are
// opaque identifiers matched against the permission catalog.
type Identity struct {
	ID    string
	Roles []string
	Admin bool
}

// CapabilitySet is the union of everything an identity may update.
type CapabilitySet struct {
	All   bool
	Mods  map[string]struct{}
	Packs map[string]struct{}
}

// Allows reports whether the set covers the given content id.
func (s CapabilitySet) Allows(contentType catalog.ContentType, id string) bool {
	if s.All {
		return true
	}
	switch contentType {
	case catalog.TypeMod:
		_, ok := s.Mods[id]
		return ok
	case catalog.TypePack:
		_, ok := s.Packs[id]
		return ok
	default:
		return false
	}
}

// Empty reports whether the set grants nothing.
func (s CapabilitySet) Empty() bool {
	return !s.All && len(s.Mods) == 0 && len(s.Packs) == 0
}

// AllowedIDs returns the sorted content ids the set grants for a type, for
// reporting back to callers. Returns nil when the set grants everything.
func (s CapabilitySet) AllowedIDs(contentType catalog.ContentType) []string {
	if s.All {
		return nil
	}
	var src map[string]struct{}
	switch contentType {
	case catalog.TypeMod:
		src = s.Mods
	case catalog.TypePack:
		src = s.Packs
	default:
		return nil
	}
	ids := make([]string, 0, len(src))
	for id := range src {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PermissionSource yields the current permission catalog.
type PermissionSource interface {
	Permissions(ctx context.Context) (catalog.Permissions, error)
}

// Resolver computes capability sets from the permission catalog.
type Resolver struct {
	source PermissionSource
}

// NewResolver builds a resolver over a permission source, usually the
// catalog client.
func NewResolver(source PermissionSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the capability set for an identity. Role grants are
// unioned; an admin identity gets everything. A failure to load the catalog
// resolves to the empty set, so nothing is granted.
func (r *Resolver) Resolve(ctx context.Context, ident Identity) (CapabilitySet, error) {
	set := CapabilitySet{
		Mods:  make(map[string]struct{}),
		Packs: make(map[string]struct{}),
	}
	if ident.Admin {
		set.All = true
		return set, nil
	}
	perms, err := r.source.Permissions(ctx)
	if err != nil {
		logging.Error("permission", "load permission catalog failed", "error", err)
		return CapabilitySet{}, nil
	}
	for _, role := range ident.Roles {
		grant, ok := perms[role]
		if !ok {
			continue
		}
		if grant.All {
			set.All = true
		}
		for _, id := range grant.Mods {
			set.Mods[id] = struct{}{}
		}
		for _, id := range grant.Packs {
			set.Packs[id] = struct{}{}
		}
	}
	return set, nil
}

// HasCapability reports whether an identity may update the given content.
func (r *Resolver) HasCapability(ctx context.Context, ident Identity, contentType catalog.ContentType, id string) (bool, error) {
	set, err := r.Resolve(ctx, ident)
	if err != nil {
		return false, err
	}
	return set.Allows(contentType, id), nil
}
