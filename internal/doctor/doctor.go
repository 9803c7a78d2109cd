// Package doctor runs installation diagnostics for the ijave command.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/ijave/internal/config"
	"github.com/basket/ijave/internal/cron"
	"github.com/basket/ijave/internal/engine"
	"github.com/basket/ijave/internal/ent"
	"github.com/basket/ijave/internal/persistence"
	"github.com/basket/ijave/internal/shared"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. The engine check launches cmd and runs
// one probe step on it.
func Run(ctx context.Context, cfg *config.Config, version string, cmd engine.Command) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkResumeSpec,
		checkBindAddr,
		checkTelemetry,
		func(ctx context.Context, _ *config.Config) CheckResult { return checkEngine(ctx, cmd) },
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing; defaults are used until the first start writes it"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)), Detail: cfg.Fingerprint()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	path := cfg.DatabasePath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Database", Status: "WARN", Message: fmt.Sprintf("%s does not exist yet", path)}
	}

	store, err := persistence.Open(path, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	var incomplete []ent.GenerationCache
	err = store.Transaction(ctx, func(ctx context.Context, tx *persistence.Tx) error {
		incomplete, err = tx.Caches().Incomplete(ctx)
		return err
	})
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("%d incomplete jobs", len(incomplete)),
	}
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir cannot be created: %v", err)}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkResumeSpec(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Resume", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.ResumeDisabled() {
		return CheckResult{Name: "Resume", Status: "WARN", Message: "Resume sweep disabled; interrupted jobs wait for a client"}
	}
	next, err := cron.NextRunTime(cfg.Generation.ResumeSpec, time.Now())
	if err != nil {
		return CheckResult{Name: "Resume", Status: "FAIL", Message: fmt.Sprintf("Invalid resume_spec %q: %v", cfg.Generation.ResumeSpec, err)}
	}
	return CheckResult{Name: "Resume", Status: "PASS", Message: fmt.Sprintf("Next sweep at %s", next.Format(time.RFC3339))}
}

// checkBindAddr reports whether the listen address is free. An occupied port
// is only a warning: it is usually the server itself.
func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: "SKIP", Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Listener",
			Status:  "WARN",
			Message: fmt.Sprintf("%s is not available", cfg.BindAddr),
			Detail:  err.Error(),
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Listener", Status: "PASS", Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}

// checkTelemetry dials the OTLP collector when tracing is exported over the
// network.
func checkTelemetry(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.OTel.Enabled {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "OpenTelemetry disabled"}
	}
	if cfg.OTel.Exporter != "" && cfg.OTel.Exporter != "otlp-http" {
		return CheckResult{Name: "Telemetry", Status: "PASS", Message: fmt.Sprintf("Exporter %s", cfg.OTel.Exporter)}
	}
	endpoint := cfg.OTel.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", endpoint)
	if err != nil {
		return CheckResult{
			Name:    "Telemetry",
			Status:  "WARN",
			Message: fmt.Sprintf("Collector %s unreachable; spans will be dropped", shared.Redact(endpoint)),
			Detail:  shared.Redact(err.Error()),
		}
	}
	_ = conn.Close()
	return CheckResult{Name: "Telemetry", Status: "PASS", Message: fmt.Sprintf("Collector %s reachable", shared.Redact(endpoint))}
}

func checkEngine(ctx context.Context, cmd engine.Command) CheckResult {
	if cmd.Path == "" {
		return CheckResult{Name: "Engine", Status: "SKIP", Message: "No engine command"}
	}
	start := time.Now()
	proc, err := engine.Launch(cmd, nil)
	if err != nil {
		return CheckResult{Name: "Engine", Status: "FAIL", Message: fmt.Sprintf("Launch failed: %v", err)}
	}
	defer proc.Close()

	prompt := ent.Prompt{ID: ent.NewPromptID(), Project: ent.NewProjectID(), Text: "doctor"}
	cached, err := ent.NewGenerationCache(prompt.ID, 1, 1)
	if err != nil {
		return CheckResult{Name: "Engine", Status: "FAIL", Message: err.Error()}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := proc.Exchange(probeCtx, engine.Input{
		Task:   engine.Task{Prompt: prompt, Width: ent.Granularity, Height: ent.Granularity},
		Cached: cached,
	})
	if err != nil {
		return CheckResult{Name: "Engine", Status: "FAIL", Message: fmt.Sprintf("Probe step failed: %v", err)}
	}
	if out.Error != "" {
		return CheckResult{Name: "Engine", Status: "FAIL", Message: fmt.Sprintf("Engine rejected probe: %s", out.Error)}
	}
	return CheckResult{
		Name:    "Engine",
		Status:  "PASS",
		Message: fmt.Sprintf("Probe step completed in %dms", time.Since(start).Milliseconds()),
		Detail:  fmt.Sprintf("path=%s, pid=%d, image=%s %d bytes", cmd.Path, proc.Pid(), out.ContentType, len(out.ImageData)),
	}
}
