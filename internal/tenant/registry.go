// Package tenant resolves which database a request runs against.
package tenant

import (
	"context"
	"errors"
	"sort"
	"strings"
)

var ErrNoDatabaseSelected = errors.New("no database selected")

// Registry lists the databases requests may select.
type Registry interface {
	List(ctx context.Context) ([]string, error)
}

type StaticRegistry struct {
	names []string
}

func NewStaticRegistry(names []string) *StaticRegistry {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return &StaticRegistry{names: out}
}

func (r *StaticRegistry) List(_ context.Context) ([]string, error) {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out, nil
}
