package tenant

import (
	"context"
	"fmt"
)

type Selection struct {
	Tenant string
	// Switched is set when the request asked for a database other than the
	// one the session was bound to.
	Switched bool
}

type Resolver struct {
	registry      Registry
	defaultTenant string
}

func NewResolver(registry Registry, defaultTenant string) *Resolver {
	return &Resolver{registry: registry, defaultTenant: defaultTenant}
}

// Resolve picks the tenant for a request: an explicitly requested database,
// then the session's database, then the only or default one. Names the
// registry does not know are ignored.
func (r *Resolver) Resolve(ctx context.Context, requested, sessionTenant string) (Selection, error) {
	names, err := r.registry.List(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("resolve tenant: %w", err)
	}
	known := make(map[string]struct{}, len(names))
	for _, n := range names {
		known[n] = struct{}{}
	}
	has := func(n string) bool {
		_, ok := known[n]
		return n != "" && ok
	}

	if has(requested) {
		return Selection{
			Tenant:   requested,
			Switched: sessionTenant != "" && sessionTenant != requested,
		}, nil
	}
	if has(sessionTenant) {
		return Selection{Tenant: sessionTenant}, nil
	}
	if len(names) == 1 {
		return Selection{Tenant: names[0], Switched: sessionTenant != ""}, nil
	}
	if has(r.defaultTenant) {
		return Selection{Tenant: r.defaultTenant, Switched: sessionTenant != ""}, nil
	}
	return Selection{}, ErrNoDatabaseSelected
}
