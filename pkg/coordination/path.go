package coordination

import (
	"path"
	"strings"
)

// JoinPath builds an absolute, slash separated tree path. It is the only
// place paths are assembled, so a registration path and a later lookup of
// the same node always agree.
func JoinPath(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		if e = strings.Trim(e, "/"); e != "" {
			parts = append(parts, e)
		}
	}
	return path.Clean("/" + strings.Join(parts, "/"))
}

// IsUnder reports whether p is root itself or a descendant of root.
func IsUnder(p, root string) bool {
	p, root = JoinPath(p), JoinPath(root)
	if root == "/" {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

// ChildName returns the name of the direct child of parent on the way to p,
// or "" when p is not strictly below parent.
func ChildName(parent, p string) string {
	parent, p = JoinPath(parent), JoinPath(p)
	prefix := parent + "/"
	if parent == "/" {
		prefix = "/"
	}
	if !strings.HasPrefix(p, prefix) || p == parent {
		return ""
	}
	rest := strings.TrimPrefix(p, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
