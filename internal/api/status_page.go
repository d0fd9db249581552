package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nugget/mcphub/internal/buildinfo"
	"github.com/nugget/mcphub/internal/mcp"
	"github.com/nugget/mcphub/internal/registry"
)

// statusMarkdown renders raw HTML from servers as omitted, so tool
// descriptions cannot inject markup into the page.
var statusMarkdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// handleStatusPage serves a human-readable overview of servers and
// tools as HTML.
func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	md := statusDocument(s.registry.Status(), s.registry.Tools())

	var body bytes.Buffer
	if err := statusMarkdown.Convert([]byte(md), &body); err != nil {
		s.logger.Error("status page render failed", "error", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>
`, buildinfo.Name, body.String())
}

// statusDocument builds the markdown for the status page.
func statusDocument(status map[string]registry.ServerStatus, tools []mcp.ToolDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s %s\n\n", buildinfo.Name, buildinfo.Version)

	running := 0
	for _, st := range status {
		if st.Status == registry.StateRunning {
			running++
		}
	}
	fmt.Fprintf(&b, "%d of %d servers running, %d tools.\n\n", running, len(status), len(tools))

	if len(status) > 0 {
		b.WriteString("## Servers\n\n")
		b.WriteString("| Server | Kind | Status | Tools | Detail |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, name := range sortedNames(status) {
			st := status[name]
			detail := st.Error
			if st.Server != nil {
				detail = st.Server.Name + " " + st.Server.Version
			}
			kind := string(st.Kind)
			if st.Dynamic {
				kind += " (dynamic)"
			}
			fmt.Fprintf(&b, "| `%s` | %s | %s | %d | %s |\n",
				cell(name), kind, st.Status, st.Tools, cell(detail))
		}
		b.WriteString("\n")
	}

	if len(tools) > 0 {
		b.WriteString("## Tools\n\n")
		b.WriteString("| Server | Tool | Description |\n")
		b.WriteString("|---|---|---|\n")
		for _, td := range tools {
			fmt.Fprintf(&b, "| `%s` | `%s` | %s |\n",
				cell(td.Source), cell(td.Name), cell(firstLine(td.Description)))
		}
	}
	return b.String()
}

// cell makes s safe inside a single GFM table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "`", "'")
	return strings.ReplaceAll(s, "|", `\|`)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
