// tracer — Linux observability agent for scientific pipelines.
//
// Ingests kernel process/syscall/memory events via eBPF, correlates them
// into per-process and per-pipeline lifecycles, and ships structured
// records to the sink.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Tracer-Cloud/tracer-client/internal/ebpf"
	"github.com/Tracer-Cloud/tracer-client/internal/mcp"
	"github.com/Tracer-Cloud/tracer-client/internal/metrics"
	"github.com/Tracer-Cloud/tracer-client/internal/model"
	"github.com/Tracer-Cloud/tracer-client/internal/output"
	"github.com/Tracer-Cloud/tracer-client/internal/pipeline"
)

var version = "0.1.0"

const defaultDashboardURL = "https://sandbox.tracer.cloud"

func main() {
	log := buildLogger()
	defer log.Sync()

	rootCmd := &cobra.Command{
		Use:   "tracer",
		Short: "Observability agent for scientific pipelines",
		Long: `tracer — kernel-level observability for scientific/HPC pipelines.

Captures process, syscall, and memory-pressure events via eBPF,
classifies processes against a tool catalog, aggregates per-run and
per-tool metrics, and ships structured records to the sink.`,
		Version: version,
	}

	var statePath string
	rootCmd.PersistentFlags().StringVar(&statePath, "state-file", output.DefaultStatePath, "Run state file path")

	// --- init command ---
	var (
		initPipelineName string
		initRunID        string
		initRunName      string
		initEnvironment  string
		initUserOperator string
		initPipelineType string
		initCostPerHour  float64
		initSinkURL      string
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Open a new pipeline run and emit its new_run event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if initPipelineName == "" {
				return fmt.Errorf("--pipeline-name is required")
			}
			runID := initRunID
			if runID == "" {
				runID = uuid.NewString()
			}
			runName := initRunName
			if runName == "" {
				runName = fmt.Sprintf("%s-%s", initPipelineName, runID[:8])
			}
			if initUserOperator == "" {
				initUserOperator = os.Getenv("TRACER_USER_ID")
			}

			st := &output.DaemonState{
				Identity: model.RunIdentity{
					TraceID:      uuid.NewString(),
					RunID:        runID,
					RunName:      runName,
					PipelineName: initPipelineName,
					PipelineType: initPipelineType,
					Environment:  initEnvironment,
					UserOperator: initUserOperator,
				},
				EC2CostPerHour: initCostPerHour,
				StartedAt:      time.Now().UTC(),
				DashboardURL:   dashboardURL(),
			}
			if err := output.SaveState(st, statePath); err != nil {
				return err
			}

			rec := newRunRecord(st)
			if url := sinkURL(initSinkURL); url != "" {
				if err := postRecord(url, rec); err != nil {
					log.Warn("new_run delivery failed; the daemon will retry at startup", zap.Error(err))
				}
			}
			fmt.Printf("Run %s opened for pipeline %q\nDashboard: %s\n", runName, initPipelineName, st.DashboardURL)
			return nil
		},
	}
	initCmd.Flags().StringVar(&initPipelineName, "pipeline-name", "", "Pipeline name (required)")
	initCmd.Flags().StringVar(&initRunID, "run-id", "", "Run identifier (generated when omitted)")
	initCmd.Flags().StringVar(&initRunName, "run-name", "", "Human-readable run name")
	initCmd.Flags().StringVar(&initEnvironment, "environment", "local", "Deployment environment")
	initCmd.Flags().StringVar(&initUserOperator, "user-operator", "", "Operator identity (defaults to TRACER_USER_ID)")
	initCmd.Flags().StringVar(&initPipelineType, "pipeline-type", "", "Pipeline type, e.g. nextflow")
	initCmd.Flags().Float64Var(&initCostPerHour, "cost-per-hour", 0, "Instance cost per hour for run cost accounting")
	initCmd.Flags().StringVar(&initSinkURL, "sink-url", "", "Sink endpoint (defaults to TRACER_SINK_URL)")

	// --- run command ---
	var (
		runCatalog     string
		runSinkURL     string
		runObjectPath  string
		runProcRoot    string
		runInterval    time.Duration
		runDatasetDirs []string
		runDebug       bool
		runMCP         bool
	)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent daemon",
		Long:  "Load and attach the kernel probe, then ingest events until terminated.",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := output.LoadState(statePath)
			if err != nil {
				return err
			}

			cfg := pipeline.Config{
				ProcRoot:        runProcRoot,
				CatalogPath:     runCatalog,
				DatasetPrefixes: runDatasetDirs,
				SinkURL:         sinkURL(runSinkURL),
				APIKey:          os.Getenv("TRACER_API_KEY"),
				SampleInterval:  runInterval,
				BPFObjectPath:   runObjectPath,
				Debug:           runDebug,
				EC2CostPerHour:  st.EC2CostPerHour,
			}

			p, err := pipeline.New(cfg, st.Identity, log)
			if err != nil {
				// Fatal: probe load/attach and config errors exit with
				// a clear diagnostic, never surface mid-run.
				return err
			}

			st.DaemonPID = os.Getpid()
			if err := output.SaveState(st, statePath); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				log.Info("received signal, draining", zap.String("signal", sig.String()))
				p.Shutdown()
			}()
			defer signal.Stop(sigCh)

			if runMCP {
				srv := mcp.NewServer(version, &pipelineStatusProvider{p: p, st: st})
				go func() {
					if err := srv.Start(ctx); err != nil {
						log.Warn("mcp server stopped", zap.Error(err))
					}
				}()
			}

			log.Info("agent started",
				zap.String("run_id", st.Identity.RunID),
				zap.String("pipeline", st.Identity.PipelineName))
			return p.Run(ctx)
		},
	}
	runCmd.Flags().StringVar(&runCatalog, "catalog", "", "Tool catalog YAML path")
	runCmd.Flags().StringVar(&runSinkURL, "sink-url", "", "Sink endpoint (defaults to TRACER_SINK_URL)")
	runCmd.Flags().StringVar(&runObjectPath, "bpf-object", "", "Compiled BPF object path")
	runCmd.Flags().StringVar(&runProcRoot, "proc-root", "/proc", "procfs mount point")
	runCmd.Flags().DurationVar(&runInterval, "sample-interval", time.Second, "Metrics sampling cadence")
	runCmd.Flags().StringSliceVar(&runDatasetDirs, "dataset-dir", nil, "Path prefixes treated as datasets")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "Enable kernel-side debug output")
	runCmd.Flags().BoolVar(&runMCP, "mcp", false, "Serve live status over MCP on stdio")

	// --- info command ---
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show daemon status and dashboard URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := output.LoadState(statePath)
			if err != nil {
				return err
			}
			doc := map[string]any{
				"identity":      st.Identity,
				"daemon_pid":    st.DaemonPID,
				"daemon_alive":  processAlive(st.DaemonPID),
				"started_at":    st.StartedAt,
				"dashboard_url": st.DashboardURL,
				"counters":      metrics.Snapshot(),
			}
			return output.WriteJSON(doc, "-")
		},
	}

	// --- terminate command ---
	var terminateSinkURL string
	terminateCmd := &cobra.Command{
		Use:   "terminate",
		Short: "Emit pipeline_terminated and stop the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := output.LoadState(statePath)
			if err != nil {
				return err
			}
			if st.DaemonPID > 0 && processAlive(st.DaemonPID) {
				// The daemon emits pipeline_terminated itself while
				// draining.
				if err := syscall.Kill(st.DaemonPID, syscall.SIGTERM); err != nil {
					return fmt.Errorf("signal daemon %d: %w", st.DaemonPID, err)
				}
				fmt.Printf("Daemon %d signalled; run %s closing\n", st.DaemonPID, st.Identity.RunName)
				return nil
			}
			// No daemon: close the run straight at the sink.
			if url := sinkURL(terminateSinkURL); url != "" {
				rec := terminatedRecord(st)
				if err := postRecord(url, rec); err != nil {
					return err
				}
			}
			fmt.Printf("Run %s closed\n", st.Identity.RunName)
			return nil
		},
	}
	terminateCmd.Flags().StringVar(&terminateSinkURL, "sink-url", "", "Sink endpoint (defaults to TRACER_SINK_URL)")

	// --- capabilities command ---
	capabilitiesCmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Show kernel BPF capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(ebpf.FormatCapabilities(ebpf.Capabilities()))
			if err := ebpf.DetectKernel().Verify(); err != nil {
				fmt.Printf("Probe support: NO (%v)\n", err)
			} else {
				fmt.Println("Probe support: yes")
			}
			return nil
		},
	}

	// --- mcp command ---
	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve agent status over the Model Context Protocol (stdio)",
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := mcp.NewServer(version, &stateStatusProvider{statePath: statePath})
			return srv.Start(cmd.Context())
		},
	}

	rootCmd.AddCommand(initCmd, runCmd, infoCmd, terminateCmd, capabilitiesCmd, mcpCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error("fatal", zap.Error(err))
		os.Exit(1)
	}
}

// buildLogger constructs the process logger. Severity comes from
// TRACER_LOG, falling back to RUST_LOG for installer compatibility.
func buildLogger() *zap.Logger {
	level := zapcore.InfoLevel
	for _, env := range []string{"TRACER_LOG", "RUST_LOG"} {
		if v := os.Getenv(env); v != "" {
			if parsed, err := zapcore.ParseLevel(strings.ToLower(v)); err == nil {
				level = parsed
			}
			break
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func sinkURL(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv("TRACER_SINK_URL")
}

func dashboardURL() string {
	if v := os.Getenv("TRACER_DASHBOARD_URL"); v != "" {
		return v
	}
	return defaultDashboardURL
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// newRunRecord builds the new_run row `init` posts directly.
func newRunRecord(st *output.DaemonState) model.Record {
	ids := model.NewEventIDGenerator()
	cost := st.EC2CostPerHour
	rec := model.Record{
		EventID:        ids.Next(),
		Timestamp:      time.Now().UTC(),
		ProcessStatus:  model.EventNewRun.String(),
		EC2CostPerHour: &cost,
		Attributes:     map[string]any{},
		ResourceAttributes: map[string]any{
			"ec2_cost_per_hour": cost,
		},
		Tags: map[string]any{},
	}
	for k, v := range pipeline.HostResourceAttributes("") {
		rec.ResourceAttributes[k] = v
	}
	st.Identity.Stamp(&rec)
	return rec
}

// terminatedRecord closes the run when no daemon is alive to do it.
func terminatedRecord(st *output.DaemonState) model.Record {
	ids := model.NewEventIDGenerator()
	rec := model.Record{
		EventID:            ids.Next(),
		Timestamp:          time.Now().UTC(),
		ProcessStatus:      model.EventPipelineTerminated.String(),
		Attributes:         map[string]any{},
		ResourceAttributes: map[string]any{},
		Tags:               map[string]any{},
	}
	st.Identity.Stamp(&rec)
	return rec
}

// postRecord ships one record as a single-line NDJSON batch.
func postRecord(url string, rec model.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	body = append(body, '\n')

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if key := os.Getenv("TRACER_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink returned %d", resp.StatusCode)
	}
	return nil
}

// pipelineStatusProvider serves MCP queries from the live pipeline.
type pipelineStatusProvider struct {
	p  *pipeline.Pipeline
	st *output.DaemonState
}

func (s *pipelineStatusProvider) Status() mcp.Status {
	counters := metrics.Snapshot()
	counters["tracer_live_processes"] = float64(s.p.Watcher().Len())
	counters["tracer_export_queue_depth"] = float64(s.p.ExporterQueueLen())
	return mcp.Status{
		Identity:     s.st.Identity,
		DaemonPID:    os.Getpid(),
		DashboardURL: s.st.DashboardURL,
		Counters:     counters,
	}
}

func (s *pipelineStatusProvider) RunSnapshot() *model.Run {
	return s.p.Aggregator().RunSnapshot()
}

func (s *pipelineStatusProvider) ToolSnapshots() []model.ToolAggregation {
	return s.p.Aggregator().ToolSnapshots()
}

// stateStatusProvider serves MCP queries from the persisted state file;
// counters reflect this process only.
type stateStatusProvider struct {
	statePath string
}

func (s *stateStatusProvider) Status() mcp.Status {
	st, err := output.LoadState(s.statePath)
	if err != nil {
		return mcp.Status{Counters: metrics.Snapshot()}
	}
	return mcp.Status{
		Identity:     st.Identity,
		DaemonPID:    st.DaemonPID,
		DashboardURL: st.DashboardURL,
		Counters:     metrics.Snapshot(),
	}
}

func (s *stateStatusProvider) RunSnapshot() *model.Run { return nil }

func (s *stateStatusProvider) ToolSnapshots() []model.ToolAggregation { return nil }
