package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/oversight/internal/config"
	"github.com/basket/oversight/internal/narrative"
	otelPkg "github.com/basket/oversight/internal/otel"
	"github.com/basket/oversight/internal/report"
	"github.com/basket/oversight/internal/shared"
)

const probeTimeout = 5 * time.Second

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

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
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
		checkPermissions,
		checkSchedule,
		checkTelemetry,
		checkEnvironment,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	d.Results = append(d.Results, checkCollaborator(ctx, cfg)...)
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := narrative.ParseEndpoint(cfg.Operator.Endpoint); err != nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: fmt.Sprintf("Invalid endpoint: %v", err)}
	}
	policy := cfg.Policy()
	detail := fmt.Sprintf("model=%s, timeout=%s, threshold=%d, refresh=%d",
		cfg.Operator.Model, cfg.Operator.TimeoutDuration(), policy.Threshold, policy.RefreshInterval)
	if cfg.Missing {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing (using defaults)", Detail: detail}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: detail}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	logDir := filepath.Join(cfg.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Log dir unusable: %v", err)}
	}
	testFile := filepath.Join(logDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Log dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Log directory writable"}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Summary Schedule", Status: "SKIP", Message: "Config missing"}
	}
	next, err := report.NextRunTime(cfg.SummarySchedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Summary Schedule", Status: "FAIL", Message: fmt.Sprintf("Invalid schedule %q: %v", cfg.SummarySchedule, err)}
	}
	return CheckResult{Name: "Summary Schedule", Status: "PASS", Message: fmt.Sprintf("%s (next %s)", cfg.SummarySchedule, next.Format(time.RFC3339))}
}

func checkTelemetry(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "Config missing"}
	}
	t := cfg.Telemetry
	if !t.Enabled {
		return CheckResult{Name: "Telemetry", Status: "PASS", Message: "Disabled (no-op providers)"}
	}
	if err := otelPkg.ValidateExporter(t.Exporter); err != nil {
		return CheckResult{Name: "Telemetry", Status: "FAIL", Message: err.Error()}
	}
	exporter := otelPkg.ExporterName(t.Exporter)
	if exporter == otelPkg.ExporterOTLP && t.Endpoint == "" {
		return CheckResult{Name: "Telemetry", Status: "WARN", Message: "OTLP exporter without endpoint (SDK default applies)"}
	}
	if exporter == otelPkg.ExporterOTLP {
		return CheckResult{Name: "Telemetry", Status: "PASS", Message: fmt.Sprintf("OTLP to %s", t.Endpoint)}
	}
	return CheckResult{Name: "Telemetry", Status: "PASS", Message: fmt.Sprintf("Exporter %q", exporter)}
}

// envPrefixes select the environment variables that change oversight behavior.
var envPrefixes = []string{"OVERSIGHT_", "OTEL_"}

// checkEnvironment lists the environment overrides in effect. Secret values
// are redacted.
func checkEnvironment(_ context.Context, _ *config.Config) CheckResult {
	var set []string
	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		for _, prefix := range envPrefixes {
			if strings.HasPrefix(key, prefix) {
				set = append(set, key+"="+shared.RedactEnvValue(key, value))
				break
			}
		}
	}
	if len(set) == 0 {
		return CheckResult{Name: "Environment", Status: "PASS", Message: "No overrides"}
	}
	sort.Strings(set)
	return CheckResult{
		Name:    "Environment",
		Status:  "PASS",
		Message: fmt.Sprintf("%d override(s)", len(set)),
		Detail:  strings.Join(set, " "),
	}
}

// checkCollaborator reports collaborator reachability and model presence as
// separate results.
func checkCollaborator(ctx context.Context, cfg *config.Config) []CheckResult {
	if cfg == nil {
		return []CheckResult{
			{Name: "Collaborator", Status: "SKIP", Message: "Config missing"},
			{Name: "Model", Status: "SKIP", Message: "Config missing"},
		}
	}
	client, err := narrative.NewOllamaClient(cfg.Operator.Endpoint, nil, nil)
	if err != nil {
		return []CheckResult{
			{Name: "Collaborator", Status: "FAIL", Message: fmt.Sprintf("Invalid endpoint %s: %v", shared.RedactURL(cfg.Operator.Endpoint), err)},
			{Name: "Model", Status: "SKIP", Message: "Collaborator unavailable"},
		}
	}
	endpoint := shared.RedactURL(client.Endpoint())

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	models, err := client.Models(probeCtx)
	latency := time.Since(start)
	if err != nil {
		return []CheckResult{
			{
				Name:    "Collaborator",
				Status:  "WARN",
				Message: fmt.Sprintf("%s unreachable: %v", endpoint, narrative.ClassifyError(err)),
				Detail:  fmt.Sprintf("error=%v, latency=%dms", err, latency.Milliseconds()),
			},
			{Name: "Model", Status: "SKIP", Message: "Collaborator unreachable"},
		}
	}

	results := []CheckResult{{
		Name:    "Collaborator",
		Status:  "PASS",
		Message: fmt.Sprintf("%s reachable (%d models, %dms)", endpoint, len(models), latency.Milliseconds()),
	}}
	if narrative.ModelListed(models, cfg.Operator.Model) {
		results = append(results, CheckResult{Name: "Model", Status: "PASS", Message: fmt.Sprintf("%s available", cfg.Operator.Model)})
	} else {
		results = append(results, CheckResult{
			Name:    "Model",
			Status:  "WARN",
			Message: fmt.Sprintf("%s not pulled", cfg.Operator.Model),
			Detail:  fmt.Sprintf("available=%v", models),
		})
	}
	return results
}
