package registry

import (
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/nugget/mcphub/internal/mcp"
)

// Kind identifies which transport a descriptor needs.
type Kind string

const (
	// KindProcess servers run as a subprocess speaking over stdio.
	KindProcess Kind = "process"

	// KindStream servers are reached over streamable HTTP.
	KindStream Kind = "stream"
)

// Descriptor describes how to reach one MCP server. Exactly one of
// Command or URL must be set. The same shape is used in YAML config and
// in the persisted dynamic set.
type Descriptor struct {
	// Name is the registry key. It is filled in by the registry and not
	// serialized.
	Name string `yaml:"-" json:"-"`

	// Command is the executable for a process server.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// Args are the command-line arguments for a process server.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env holds extra environment variables for a process server.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Workdir is the working directory for a process server.
	Workdir string `yaml:"workdir,omitempty" json:"workdir,omitempty"`

	// URL is the endpoint of a stream server.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Headers are sent with every request to a stream server.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// IncludeTools, if non-empty, limits the catalog to these tools.
	IncludeTools []string `yaml:"include_tools,omitempty" json:"include_tools,omitempty"`

	// ExcludeTools hides these tools from the catalog. Ignored when
	// IncludeTools is set.
	ExcludeTools []string `yaml:"exclude_tools,omitempty" json:"exclude_tools,omitempty"`
}

// Kind reports the transport kind implied by the descriptor, or "" when
// it is ambiguous or incomplete.
func (d Descriptor) Kind() Kind {
	switch {
	case d.Command != "" && d.URL == "":
		return KindProcess
	case d.URL != "" && d.Command == "":
		return KindStream
	}
	return ""
}

// Validate rejects a descriptor that names both or neither of command
// and url.
func (d Descriptor) Validate() error {
	switch {
	case d.Command != "" && d.URL != "":
		return mcp.NewError(mcp.ErrConfig, "server %q: command and url are mutually exclusive", d.Name)
	case d.Command == "" && d.URL == "":
		return mcp.NewError(mcp.ErrConfig, "server %q must have either command or url", d.Name)
	}
	return nil
}

var (
	inputRe = regexp.MustCompile(`\$\{input:(\w+)\}`)
	envRe   = regexp.MustCompile(`\$\{(\w+)\}`)
)

// resolveString rewrites ${input:name} as ${NAME}, then replaces every
// ${NAME} with the environment variable NAME (empty when unset).
func resolveString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	s = inputRe.ReplaceAllStringFunc(s, func(m string) string {
		name := inputRe.FindStringSubmatch(m)[1]
		return "${" + strings.ToUpper(name) + "}"
	})
	return envRe.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envRe.FindStringSubmatch(m)[1])
	})
}

// ResolvePlaceholders returns a copy of d with placeholders substituted
// in Args, Env values, and Header values. The input is not modified.
func ResolvePlaceholders(d Descriptor) Descriptor {
	out := d
	if d.Args != nil {
		out.Args = make([]string, len(d.Args))
		for i, a := range d.Args {
			out.Args[i] = resolveString(a)
		}
	}
	out.Env = resolveMap(d.Env)
	out.Headers = resolveMap(d.Headers)
	return out
}

func resolveMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = resolveString(v)
	}
	return out
}

// envList flattens an env map into sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
