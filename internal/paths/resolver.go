// Package paths resolves the path forms accepted in mcphub
// configuration: a leading ~ for the home directory and named
// prefixes such as "data:" for the data directory.
package paths

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resolver maps named prefixes to directories. A nil *Resolver only
// expands the home directory.
type Resolver struct {
	dirs   map[string]string // "data:" -> "/var/lib/mcphub"
	sorted []string          // longest first
}

// New builds a Resolver from prefix names (without the colon) to
// directories. Directories may themselves start with ~.
func New(dirs map[string]string) *Resolver {
	if len(dirs) == 0 {
		return nil
	}
	r := &Resolver{dirs: make(map[string]string, len(dirs))}
	for name, dir := range dirs {
		key := strings.TrimSuffix(name, ":") + ":"
		r.dirs[key] = ExpandHome(dir)
		r.sorted = append(r.sorted, key)
	}
	sort.Slice(r.sorted, func(i, j int) bool {
		return len(r.sorted[i]) > len(r.sorted[j])
	})
	return r
}

// Resolve rewrites a prefixed or ~ path into a plain one. Anything
// else, including the empty string, comes back unchanged.
func (r *Resolver) Resolve(path string) string {
	if r != nil {
		for _, prefix := range r.sorted {
			if rel, ok := strings.CutPrefix(path, prefix); ok {
				if rel == "" {
					return r.dirs[prefix]
				}
				return filepath.Join(r.dirs[prefix], rel)
			}
		}
	}
	return ExpandHome(path)
}

// Prefixes lists the registered prefix names, sorted, without colons.
func (r *Resolver) Prefixes() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.dirs))
	for prefix := range r.dirs {
		names = append(names, strings.TrimSuffix(prefix, ":"))
	}
	sort.Strings(names)
	return names
}

// ExpandHome replaces a leading ~ or ~/ with the user's home directory.
// ~user forms are not supported and are returned unchanged.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}
