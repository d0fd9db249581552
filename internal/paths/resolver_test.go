package paths

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestResolve(t *testing.T) {
	t.Setenv("HOME", "/home/hub")
	r := New(map[string]string{
		"data":   "/var/lib/mcphub",
		"config": "~/.config/mcphub",
	})

	tests := []struct {
		name string
		path string
		want string
	}{
		{"data prefix", "data:mcphub.db", filepath.Join("/var/lib/mcphub", "mcphub.db")},
		{"data nested", "data:state/mcphub.db", filepath.Join("/var/lib/mcphub", "state", "mcphub.db")},
		{"bare data prefix", "data:", "/var/lib/mcphub"},
		{"prefix dir with tilde", "config:servers", filepath.Join("/home/hub", ".config", "mcphub", "servers")},
		{"tilde", "~/work", filepath.Join("/home/hub", "work")},
		{"bare tilde", "~", "/home/hub"},
		{"other user unchanged", "~alice/work", "~alice/work"},
		{"absolute unchanged", "/srv/mcp", "/srv/mcp"},
		{"relative unchanged", "relative/path", "relative/path"},
		{"empty unchanged", "", ""},
		{"unknown prefix unchanged", "kb:notes", "kb:notes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Resolve(tt.path); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolve_NilReceiver(t *testing.T) {
	t.Setenv("HOME", "/home/hub")
	var r *Resolver

	if got := r.Resolve("data:x"); got != "data:x" {
		t.Errorf("nil Resolve(data:x) = %q, want unchanged", got)
	}
	if got := r.Resolve("~/x"); got != filepath.Join("/home/hub", "x") {
		t.Errorf("nil Resolve(~/x) = %q, want home expanded", got)
	}
}

func TestResolve_LongerPrefixFirst(t *testing.T) {
	r := New(map[string]string{
		"data":    "/short",
		"dataset": "/long",
	})
	if got := r.Resolve("dataset:a"); got != filepath.Join("/long", "a") {
		t.Errorf("Resolve(dataset:a) = %q, want /long/a", got)
	}
	if got := r.Resolve("data:a"); got != filepath.Join("/short", "a") {
		t.Errorf("Resolve(data:a) = %q, want /short/a", got)
	}
}

func TestNew_Empty(t *testing.T) {
	if r := New(nil); r != nil {
		t.Errorf("New(nil) = %v, want nil", r)
	}
}

func TestPrefixes(t *testing.T) {
	r := New(map[string]string{"data:": "/d", "config": "/c"})
	if got, want := r.Prefixes(), []string{"config", "data"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Prefixes() = %v, want %v", got, want)
	}
	var nilR *Resolver
	if got := nilR.Prefixes(); got != nil {
		t.Errorf("nil Prefixes() = %v, want nil", got)
	}
}
