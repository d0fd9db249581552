// Package defaults provides the embedded starter configuration written
// by the mcphub init subcommand.
package defaults

import _ "embed"

// ConfigYAML is a commented config.yaml covering every section.
//
//go:embed config.example.yaml
var ConfigYAML []byte
