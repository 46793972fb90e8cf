package output

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Tracer-Cloud/tracer-client/internal/model"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "run.json")
	in := &DaemonState{
		Identity: model.RunIdentity{
			TraceID:      "t-1",
			RunID:        "r-1",
			RunName:      "rnaseq-1",
			PipelineName: "rnaseq",
			Environment:  "local",
		},
		EC2CostPerHour: 1.5,
		DaemonPID:      4242,
		StartedAt:      time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		DashboardURL:   "https://example.test",
	}
	if err := SaveState(in, path); err != nil {
		t.Fatal(err)
	}

	out, err := LoadState(path)
	if err != nil {
		t.Fatal(err)
	}
	if *out != *in {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestLoadStateMissing(t *testing.T) {
	_, err := LoadState(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil {
		t.Fatal("missing state must error")
	}
	if !strings.Contains(err.Error(), "tracer init") {
		t.Errorf("error should point at init: %v", err)
	}
}

func TestLoadStateCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	if err := SaveState(&DaemonState{}, path); err != nil {
		t.Fatal(err)
	}
	// Truncate to junk.
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadState(path); err == nil {
		t.Fatal("corrupt state must error")
	}
}
