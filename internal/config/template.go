// ABOUTME: Starter configuration written by fleetd init
// ABOUTME: Rendered with generated secrets and written atomically

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/natefinch/atomic"
)

// TemplateValues fill the starter configuration.
type TemplateValues struct {
	GRPCAddr      string
	HTTPAddr      string
	DatabasePath  string
	JWTSecret     string
	ScaleSecret   string
	CredentialKey string
	Superuser     string
}

var starter = template.Must(template.New("fleetd.yaml").Parse(`# fleetd configuration

server:
  grpc_addr: "{{.GRPCAddr}}"   # runners connect here
  http_addr: "{{.HTTPAddr}}"   # command layer API

tailscale:
  enabled: false
  hostname: "fleetd"
  auth_key: "${TS_AUTHKEY}"
  ephemeral: false

database:
  path: "{{.DatabasePath}}"

auth:
  jwt_secret: "{{.JWTSecret}}"
  scale_secret: "{{.ScaleSecret}}"
  credential_key: "{{.CredentialKey}}"

platform:
  bot_token: "${DISCORD_BOT_TOKEN}"   # used for membership checks
  auth_timeout: "10s"

fleet:
  default_idle_release: "15m"   # 0 disables idle reclamation
  idle_sweep_interval: "30s"
  reconcile_interval: "0s"      # 0 disables periodic membership checks
  request_timeout: "10s"
  pin_ttl: "5m"
  guild_cap: 49
  contribution_limit: 3
  contribution_window: "1h"
  superusers:{{if .Superuser}}
    - "{{.Superuser}}"{{else}} []{{end}}

logging:
  level: "info"
  format: "text"
`))

// Render returns the starter configuration for v.
func Render(v TemplateValues) ([]byte, error) {
	var buf bytes.Buffer
	if err := starter.Execute(&buf, v); err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile atomically writes data to path with owner-only permissions,
// creating parent directories.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("restricting config permissions: %w", err)
	}
	return nil
}
