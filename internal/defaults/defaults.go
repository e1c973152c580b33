// Package defaults provides embedded copies of the starter
// configuration and server list files for the squire init subcommand.
package defaults

import _ "embed"

//go:generate sh -c "cp ../../examples/squire.example.yaml . && cp ../../examples/mcp.example.json ."

//go:embed squire.example.yaml
var ConfigYAML []byte

//go:embed mcp.example.json
var ServersJSON []byte
