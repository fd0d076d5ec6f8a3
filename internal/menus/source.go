// Package menus serves the application menu tree for a user.
package menus

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"myconnectionsvr/webhome/internal/identity"
)

type Item struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url,omitempty"`
	InternalOnly bool   `json:"internal_only,omitempty"`
	Children     []Item `json:"children,omitempty"`
}

// FileSource holds a menu tree loaded from a JSON file at startup.
type FileSource struct {
	items []Item
}

// NewFileSource loads the tree from path. An empty path yields an empty menu.
func NewFileSource(path string) (*FileSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return &FileSource{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read menus file: %w", err)
	}
	var items []Item
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("decode menus file: %w", err)
	}
	return &FileSource{items: items}, nil
}

func NewStaticSource(items []Item) *FileSource {
	return &FileSource{items: items}
}

// For returns the items visible to ident. External users do not see
// internal-only items or anything beneath them.
func (s *FileSource) For(ident identity.Identity) []Item {
	return filter(s.items, ident.Internal())
}

// Version is a short digest of the tree visible to ident, used to build
// cache-busting menu URLs.
func (s *FileSource) Version(ident identity.Identity) string {
	b, _ := json.Marshal(struct {
		User  string `json:"user"`
		Items []Item `json:"items"`
	}{ident.UserID, s.For(ident)})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func filter(items []Item, internal bool) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.InternalOnly && !internal {
			continue
		}
		cp := it
		if len(it.Children) > 0 {
			cp.Children = filter(it.Children, internal)
		}
		out = append(out, cp)
	}
	return out
}
