package menus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"myconnectionsvr/webhome/internal/identity"
)

const menusJSON = `[
  {"id": "sales", "name": "Sales", "url": "/web#menu=sales", "children": [
    {"id": "orders", "name": "Orders", "url": "/web#action=orders"},
    {"id": "pricing", "name": "Pricing", "internal_only": true}
  ]},
  {"id": "settings", "name": "Settings", "internal_only": true, "children": [
    {"id": "users", "name": "Users"}
  ]}
]`

func writeMenus(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "menus.json")
	require.NoError(t, os.WriteFile(path, []byte(menusJSON), 0o644))
	return path
}

func TestForFiltersByRole(t *testing.T) {
	src, err := NewFileSource(writeMenus(t))
	require.NoError(t, err)

	internal := src.For(identity.Identity{UserID: "u1", Role: identity.RoleInternal})
	require.Len(t, internal, 2)
	require.Len(t, internal[0].Children, 2)

	external := src.For(identity.Identity{UserID: "u2", Role: identity.RoleExternal})
	require.Len(t, external, 1)
	require.Equal(t, "sales", external[0].ID)
	require.Len(t, external[0].Children, 1)
	require.Equal(t, "orders", external[0].Children[0].ID)
}

func TestVersionDiffersPerUserAndRole(t *testing.T) {
	src, err := NewFileSource(writeMenus(t))
	require.NoError(t, err)

	a := identity.Identity{UserID: "u1", Role: identity.RoleInternal}
	b := identity.Identity{UserID: "u2", Role: identity.RoleExternal}
	require.Equal(t, src.Version(a), src.Version(a))
	require.NotEqual(t, src.Version(a), src.Version(b))
	require.Len(t, src.Version(a), 16)
}

func TestNewFileSourceEmptyPath(t *testing.T) {
	src, err := NewFileSource("")
	require.NoError(t, err)
	require.Empty(t, src.For(identity.Identity{Role: identity.RoleInternal}))
}

func TestNewFileSourceBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "menus.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err := NewFileSource(path)
	require.Error(t, err)
}
