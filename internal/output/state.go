package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Tracer-Cloud/tracer-client/internal/model"
)

// DefaultStatePath is where `tracer init` records the run identity for
// the daemon and later CLI invocations to pick up.
const DefaultStatePath = "/tmp/tracer/run.json"

// DaemonState is the on-disk handshake between CLI invocations.
type DaemonState struct {
	Identity       model.RunIdentity `json:"identity"`
	EC2CostPerHour float64           `json:"ec2_cost_per_hour"`
	DaemonPID      int               `json:"daemon_pid,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	DashboardURL   string            `json:"dashboard_url,omitempty"`
}

// SaveState writes the state file, creating its directory.
func SaveState(st *DaemonState, path string) error {
	if path == "" {
		path = DefaultStatePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadState reads the state file written by `tracer init`.
func LoadState(path string) (*DaemonState, error) {
	if path == "" {
		path = DefaultStatePath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no active run (run `tracer init` first): %w", err)
	}
	var st DaemonState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("state file corrupt: %w", err)
	}
	return &st, nil
}
