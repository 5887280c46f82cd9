package config

import (
	"fmt"
	"os"
)

const exampleConfig = `# fieldtrack coordinator configuration
remote:
  base_url: https://sync.example.com/api/v1
  request_timeout: 10s
  rate_per_second: 2

channels:
  session_check: 10s
  heartbeat: 60s
  watchdog: 60s
  connectivity_poll: 10s
  location_monitor: 5s

sync:
  stationary_interval: 30s
  moving_interval: 15s
  fast_interval: 5s

guard:
  interval: 5s

storage:
  data_dir: ./fieldtrack-data

telemetry:
  feed_url: ws://127.0.0.1:8931/readings

notify:
  enabled: false
  url: nats://127.0.0.1:4222
  subject: fieldtrack.session.events

metrics:
  enabled: true
  listen: 127.0.0.1:9331
`

// Init creates a new configuration file with example content.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}
	if err := os.WriteFile(configPath, []byte(exampleConfig), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
