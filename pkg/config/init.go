package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// sampleConfig is the template written by `deuce init`. It documents every
// top-level section with values a first run can use unmodified.
const sampleConfig = `# Deuce configuration.
# See 'deuce config schema' for the full JSON schema.

logging:
  level: INFO
  format: text
  output: stdout

telemetry:
  enabled: false
  endpoint: localhost:4317
  insecure: true
  sample_rate: 1.0
  profiling:
    enabled: false
    endpoint: http://localhost:4040

metrics:
  enabled: true
  port: 9090

api:
  port: 8080
  read_timeout: 10s
  write_timeout: 10s
  idle_timeout: 60s
  request_timeout: 30s
  max_batch_blocks: 256
  default_page_size: 100
  max_page_size: 1000

metadata:
  type: memory

storage:
  type: memory

shutdown_timeout: 10s
`

// InitConfig writes a sample configuration file at the default location,
// refusing to overwrite an existing file unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration file at path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
