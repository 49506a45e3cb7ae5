// Package config loads and validates the auditor's TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "20m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root configuration record, threaded explicitly from
// cmd/auditor into every component constructor.
type Config struct {
	General    General            `toml:"general"`
	Dataset    Dataset            `toml:"dataset"`
	Sandbox    Sandbox            `toml:"sandbox"`
	Planning   Planning           `toml:"planning"`
	Reasoning  Reasoning          `toml:"reasoning"`
	Validation Validation         `toml:"validation"`
	Temporal   Temporal           `toml:"temporal"`
	RuleKeys   []string           `toml:"rule_keys"`
	CLIConfigs map[string]CLIExec `toml:"cli"`
}

// General holds process-wide knobs that don't belong to a single stage.
type General struct {
	LogLevel        string   `toml:"log_level"`
	StateDB         string   `toml:"state_db"`
	LogDir          string   `toml:"log_dir"`
	MaxParallel     int      `toml:"max_parallel"`     // inter-project parallelism
	ResumeInterval  Duration `toml:"resume_interval"`  // 0 disables the cron resume sweep
	TimeoutSec      int      `toml:"timeout_sec"`      // default AgentExecutor timeout
}

// Dataset describes where project workspaces live.
type Dataset struct {
	Base         string `toml:"base"`          // dataset_base, absolute
	ManifestPath string `toml:"manifest_path"` // project_id -> {"path": relative_dir}
}

// Sandbox configures AgentExecutor's subprocess/container backend.
type Sandbox struct {
	Backend        string     `toml:"backend"` // "process" (default) or "docker"
	PoCExecution   PoC        `toml:"poc_execution"`
	DockerImage    string     `toml:"docker_image"`
	KillGrace      Duration   `toml:"kill_grace"`
	ArtifactsRetain int       `toml:"artifacts_retain_days"`
}

// PoC holds the poc_execution setting. No code path reads Enabled; every
// AgentExecutor call runs read-only whatever its value.
type PoC struct {
	Enabled bool `toml:"enabled"`
}

// Planning configures PlanningEngine's coverage-driven convergence loop.
type Planning struct {
	CoverageTarget   float64 `toml:"coverage_target"`   // default 0.90
	MaxRepairRounds  int     `toml:"max_repair_rounds"` // cap on P3-P5 cycles
	BatchSizeMin     int     `toml:"batch_size_min"`    // 150
	BatchSizeMax     int     `toml:"batch_size_max"`    // 400
	AllowFlowPatch   bool    `toml:"allow_flow_patch"`  // not read by planning; repair prompts invite '~' additions whatever its value
	RulesPath        string  `toml:"rules_path"`        // rules.json: {"rule_key": {"title": string, "items": []string}}; empty disables checklist embedding
}

// Reasoning configures the Reasoner/Watcher/Ideator loop.
type Reasoning struct {
	MaxRounds            int      `toml:"max_rounds"`             // default 3-6
	MaxReasoningParallel int      `toml:"max_reasoning_parallel"` // cap on concurrent groups
	NoProgressPivot      int      `toml:"no_progress_pivot"`      // consecutive zero-new-finding rounds before pivot
	TimeLimit            Duration `toml:"time_limit"`
}

// Validation configures the Validator's bounded pool.
type Validation struct {
	MaxValidationParallel int      `toml:"max_validation_parallel"` // default 2-5
	Timeout               Duration `toml:"timeout"`                 // per-item, default 10-20m
}

// Temporal configures the workflow-engine connection.
type Temporal struct {
	HostPort  string `toml:"host_port"`
	TaskQueue string `toml:"task_queue"`
	Namespace string `toml:"namespace"`
}

// CLIExec describes how to invoke the external analysis agent CLI.
type CLIExec struct {
	Cmd        string   `toml:"cmd"`
	BaseArgs   []string `toml:"base_args"`
	PromptMode string   `toml:"prompt_mode"` // "stdin" (default); ProcessSandbox pipes the prompt only in this mode, any other value sends no prompt
}

// Load reads, defaults, and validates the auditor TOML configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "auditor.db"
	}
	if cfg.General.LogDir == "" {
		cfg.General.LogDir = "logs"
	}
	if cfg.General.MaxParallel <= 0 {
		cfg.General.MaxParallel = 4
	}
	if cfg.General.TimeoutSec <= 0 {
		cfg.General.TimeoutSec = 900
	}

	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = "process"
	}
	if cfg.Sandbox.DockerImage == "" {
		cfg.Sandbox.DockerImage = "auditor-agent:latest"
	}
	if cfg.Sandbox.KillGrace.Duration == 0 {
		cfg.Sandbox.KillGrace.Duration = 10 * time.Second
	}
	if cfg.Sandbox.ArtifactsRetain <= 0 {
		cfg.Sandbox.ArtifactsRetain = 14
	}

	if cfg.Planning.CoverageTarget <= 0 {
		cfg.Planning.CoverageTarget = 0.90
	}
	if cfg.Planning.MaxRepairRounds <= 0 {
		cfg.Planning.MaxRepairRounds = 4
	}
	if cfg.Planning.BatchSizeMin <= 0 {
		cfg.Planning.BatchSizeMin = 150
	}
	if cfg.Planning.BatchSizeMax <= 0 {
		cfg.Planning.BatchSizeMax = 400
	}

	if cfg.Reasoning.MaxRounds <= 0 {
		cfg.Reasoning.MaxRounds = 6
	}
	if cfg.Reasoning.MaxReasoningParallel <= 0 {
		cfg.Reasoning.MaxReasoningParallel = 4
	}
	if cfg.Reasoning.NoProgressPivot <= 0 {
		cfg.Reasoning.NoProgressPivot = 2
	}
	if cfg.Reasoning.TimeLimit.Duration == 0 {
		cfg.Reasoning.TimeLimit.Duration = 30 * time.Minute
	}

	if cfg.Validation.MaxValidationParallel <= 0 {
		cfg.Validation.MaxValidationParallel = 3
	}
	if cfg.Validation.Timeout.Duration == 0 {
		cfg.Validation.Timeout.Duration = 15 * time.Minute
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "127.0.0.1:7233"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "auditor-task-queue"
	}
	if len(cfg.RuleKeys) == 0 {
		cfg.RuleKeys = []string{"reentrancy", "access-control", "arithmetic", "oracle-manipulation"}
	}
}

// applyEnvOverrides layers the §6 environment variables over file-loaded
// config, matching an env-snapshot-at-start idiom: no process
// later re-reads the environment, it is captured once here.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("DATASET_BASE")); v != "" {
		cfg.Dataset.Base = v
	}
	if v := strings.TrimSpace(os.Getenv("MAX_REASONING_PARALLEL")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Reasoning.MaxReasoningParallel = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("MAX_VALIDATION_PARALLEL")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Validation.MaxValidationParallel = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("AGENT_TIMEOUT_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.General.TimeoutSec = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("BUSINESS_FLOW_RULE_KEYS")); v != "" {
		cfg.RuleKeys = splitCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("REASONING_MAX_ROUNDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Reasoning.MaxRounds = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("COVERAGE_TARGET")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Planning.CoverageTarget = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("RULES_PATH")); v != "" {
		cfg.Planning.RulesPath = v
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizePaths(cfg *Config) {
	cfg.General.StateDB = ExpandHome(cfg.General.StateDB)
	cfg.General.LogDir = ExpandHome(cfg.General.LogDir)
	cfg.Dataset.Base = ExpandHome(cfg.Dataset.Base)
	cfg.Dataset.ManifestPath = ExpandHome(cfg.Dataset.ManifestPath)
	cfg.Planning.RulesPath = ExpandHome(cfg.Planning.RulesPath)
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Dataset.Base) == "" {
		return fmt.Errorf("dataset.base (or DATASET_BASE) is required")
	}
	if strings.TrimSpace(cfg.Dataset.ManifestPath) == "" {
		return fmt.Errorf("dataset.manifest_path is required")
	}
	if !filepath.IsAbs(cfg.Dataset.Base) {
		return fmt.Errorf("dataset.base must be an absolute path, got %q", cfg.Dataset.Base)
	}
	if cfg.Planning.CoverageTarget <= 0 || cfg.Planning.CoverageTarget > 1 {
		return fmt.Errorf("planning.coverage_target must be in (0,1], got %v", cfg.Planning.CoverageTarget)
	}
	if cfg.Planning.BatchSizeMin > cfg.Planning.BatchSizeMax {
		return fmt.Errorf("planning.batch_size_min (%d) must be <= batch_size_max (%d)", cfg.Planning.BatchSizeMin, cfg.Planning.BatchSizeMax)
	}
	switch cfg.Sandbox.Backend {
	case "process", "docker":
	default:
		return fmt.Errorf("sandbox.backend must be 'process' or 'docker', got %q", cfg.Sandbox.Backend)
	}
	if len(cfg.RuleKeys) == 0 {
		return fmt.Errorf("rule_keys must not be empty")
	}
	return nil
}

// Clone returns a deep-enough copy for safe concurrent reads; the auditor
// does not support live config reload, but components still take a cloned
// snapshot at construction to avoid aliasing the loader's slice/map fields.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cp := *cfg
	cp.RuleKeys = append([]string(nil), cfg.RuleKeys...)
	cp.CLIConfigs = make(map[string]CLIExec, len(cfg.CLIConfigs))
	for k, v := range cfg.CLIConfigs {
		v.BaseArgs = append([]string(nil), v.BaseArgs...)
		cp.CLIConfigs[k] = v
	}
	return &cp
}
