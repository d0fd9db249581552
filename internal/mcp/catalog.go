package mcp

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// ToolDescriptor is a tool offered by a connected server. Source is the
// owning server's name; (Name, Source) is unique across a registry.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	Source      string         `json:"source"`
}

// QualifiedName returns the namespaced form of the tool name.
func (d ToolDescriptor) QualifiedName() string {
	return ToolName(d.Source, d.Name)
}

// ToolName generates a namespaced tool name from a server name and a
// tool name. Both components are sanitized to contain only lowercase
// alphanumeric characters and underscores.
func ToolName(serverName, toolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(toolName))
}

// FilterTools applies include and exclude lists of tool names:
//   - If include is non-empty, only tools named in it are kept.
//   - Otherwise tools named in exclude are dropped.
//   - If both are empty, all tools are kept.
func FilterTools(tools []ToolDescriptor, include, exclude []string) []ToolDescriptor {
	includeSet := toSet(include)
	excludeSet := toSet(exclude)
	if includeSet == nil && excludeSet == nil {
		return tools
	}

	out := make([]ToolDescriptor, 0, len(tools))
	for _, td := range tools {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}
		out = append(out, td)
	}
	return out
}

// SortTools orders a catalog by source, then by name.
func SortTools(tools []ToolDescriptor) {
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Source != tools[j].Source {
			return tools[i].Source < tools[j].Source
		}
		return tools[i].Name < tools[j].Name
	})
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
