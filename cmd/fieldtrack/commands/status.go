package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"git.home.luguber.info/inful/fieldtrack/internal/config"
)

// StatusCmd implements the 'status' command by querying the running
// coordinator's debug listener.
type StatusCmd struct{}

func (s *StatusCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Metrics.Enabled {
		return fmt.Errorf("metrics listener disabled; enable metrics in %s to query status", root.Config)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + cfg.Metrics.Listen + "/status")
	if err != nil {
		return fmt.Errorf("coordinator not reachable at %s: %w", cfg.Metrics.Listen, err)
	}
	defer resp.Body.Close()

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
