package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron"

	"github.com/antigravity-dev/auditor/internal/config"
	"github.com/antigravity-dev/auditor/internal/errs"
	"github.com/antigravity-dev/auditor/internal/executor"
	"github.com/antigravity-dev/auditor/internal/pipeline"
	"github.com/antigravity-dev/auditor/internal/planning"
	"github.com/antigravity-dev/auditor/internal/store"
	"github.com/antigravity-dev/auditor/internal/temporal"
	"github.com/antigravity-dev/auditor/internal/validator"
	"github.com/antigravity-dev/auditor/internal/workspace"
)

// configureLogger picks a level and handler the way cortex's driver
// does: text for local development, JSON for everything else.
func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Exit codes: 0 success, 2 workspace error, 3 unrecoverable
// executor error, 4 partial completion.
const (
	exitOK               = 0
	exitWorkspaceError   = 2
	exitExecutorError    = 3
	exitPartial          = 4
)

// classifyExit maps a batch of ProjectResults to one of the CLI's
// closed exit codes. When every project failed and all failures are
// workspace errors, or all are executor/timeout errors, that kind's
// code is returned; any other outcome with at least one failure is
// reported as partial completion rather than picking one arbitrarily.
func classifyExit(results []pipeline.ProjectResult) int {
	var failed, workspaceFailures, execFailures int
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		failed++
		switch {
		case errs.IsKind(r.Err, errs.KindWorkspace):
			workspaceFailures++
		case errs.IsKind(r.Err, errs.KindExec), errs.IsKind(r.Err, errs.KindTimeout):
			execFailures++
		}
	}

	switch {
	case failed == 0:
		return exitOK
	case failed == len(results) && workspaceFailures == failed:
		return exitWorkspaceError
	case failed == len(results) && execFailures == failed:
		return exitExecutorError
	default:
		return exitPartial
	}
}

func main() {
	configPath := flag.String("config", "auditor.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	projectIDsFlag := flag.String("project-id", "", "comma-separated project_id list; empty runs every project in the manifest")
	datasetBaseFlag := flag.String("dataset-base", "", "override dataset.base from config")
	rulesPathFlag := flag.String("rules-path", "", "override planning.rules_path from config")
	stageFlag := flag.String("stage", string(pipeline.StageAll), "stop after this stage: plan|reason|validate|all")
	maxParallelFlag := flag.Int("max-parallel", 0, "override general.max_parallel (0 keeps config value)")
	timeoutSecFlag := flag.Int("timeout-sec", 0, "override general.timeout_sec (0 keeps config value)")
	resumeIntervalFlag := flag.Duration("resume-interval", 0, "override general.resume_interval (0 keeps config value)")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootLogger)
	bootLogger.Info("auditor starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(exitExecutorError)
	}
	if *datasetBaseFlag != "" {
		cfg.Dataset.Base = *datasetBaseFlag
	}
	if *rulesPathFlag != "" {
		cfg.Planning.RulesPath = config.ExpandHome(*rulesPathFlag)
	}
	if *maxParallelFlag > 0 {
		cfg.General.MaxParallel = *maxParallelFlag
	}
	if *timeoutSecFlag > 0 {
		cfg.General.TimeoutSec = *timeoutSecFlag
	}
	if *resumeIntervalFlag > 0 {
		cfg.General.ResumeInterval.Duration = *resumeIntervalFlag
	}

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	stage := pipeline.Stage(strings.ToLower(strings.TrimSpace(*stageFlag)))
	switch stage {
	case pipeline.StagePlan, pipeline.StageReason, pipeline.StageValidate, pipeline.StageAll:
	default:
		logger.Error("invalid --stage value", "stage", *stageFlag)
		os.Exit(exitWorkspaceError)
	}

	manifest, err := workspace.LoadManifest(cfg.Dataset.ManifestPath)
	if err != nil {
		logger.Error("failed to load dataset manifest", "path", cfg.Dataset.ManifestPath, "error", err)
		os.Exit(exitWorkspaceError)
	}
	resolver, err := workspace.NewResolver(cfg.Dataset.Base, manifest)
	if err != nil {
		logger.Error("failed to construct workspace resolver", "error", err)
		os.Exit(exitWorkspaceError)
	}

	projectIDs := parseProjectIDs(*projectIDsFlag, manifest)
	if len(projectIDs) == 0 {
		logger.Error("no projects to run", "project-id", *projectIDsFlag)
		os.Exit(exitWorkspaceError)
	}

	dbPath := config.ExpandHome(cfg.General.StateDB)
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "path", dbPath, "error", err)
		os.Exit(exitExecutorError)
	}
	defer st.Close()

	sandbox, err := executor.New(cfg)
	if err != nil {
		logger.Error("failed to construct sandbox", "backend", cfg.Sandbox.Backend, "error", err)
		os.Exit(exitExecutorError)
	}

	var rules planning.RuleCatalog
	if cfg.Planning.RulesPath != "" {
		raw, err := os.ReadFile(cfg.Planning.RulesPath)
		if err != nil {
			logger.Error("failed to read rules catalog", "path", cfg.Planning.RulesPath, "error", err)
			os.Exit(exitExecutorError)
		}
		rules, err = planning.LoadRuleCatalog(raw)
		if err != nil {
			logger.Error("failed to parse rules catalog", "path", cfg.Planning.RulesPath, "error", err)
			os.Exit(exitExecutorError)
		}
		logger.Info("rules catalog loaded", "path", cfg.Planning.RulesPath, "rule_keys", len(rules))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Info("starting temporal worker", "task_queue", cfg.Temporal.TaskQueue)
		if err := temporal.StartWorker(cfg, st, sandbox); err != nil {
			logger.Error("temporal worker stopped", "error", err)
		}
	}()

	temporalClient, err := temporal.NewClient(cfg)
	if err != nil {
		logger.Error("failed to connect to temporal", "host_port", cfg.Temporal.HostPort, "error", err)
		os.Exit(exitExecutorError)
	}
	defer temporalClient.Close()

	driver := &pipeline.Driver{
		// Clone so the driver's long-lived goroutines never alias the
		// RuleKeys/CLIConfigs slices and maps this function keeps locally.
		Cfg:      cfg.Clone(),
		Store:    st,
		Resolver: resolver,
		Temporal: temporalClient,
		Rules:    rules,
		Validator: &validator.Runner{
			Store:       st,
			Sandbox:     sandbox,
			MaxParallel: cfg.Validation.MaxValidationParallel,
			Timeout:     cfg.Validation.Timeout.Duration,
			Logger:      logger.With("component", "validator"),
		},
		Logger: logger.With("component", "pipeline"),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		shutdownStart := time.Now()
		logger.Info("received signal, cancelling in-flight work", "signal", sig)
		cancel()
		logger.Info("auditor cancellation requested", "elapsed", time.Since(shutdownStart).String())
	}()

	logger.Info("running pipeline", "projects", len(projectIDs), "stage", stage, "max_parallel", cfg.General.MaxParallel)

	results := runOnce(ctx, driver, projectIDs, stage, logger)

	// --resume-interval keeps the process alive, re-sweeping every
	// project through the same one-shot Run logic. The resume checks in
	// runPlanning/runReasoning make repeat sweeps cheap no-ops once a
	// project is fully planned, reasoned, and validated.
	if resumeEvery := cfg.General.ResumeInterval.Duration; resumeEvery > 0 {
		c := cron.New()
		if err := c.AddFunc(fmt.Sprintf("@every %s", resumeEvery), func() {
			logger.Info("resume sweep starting", "interval", resumeEvery.String())
			runOnce(ctx, driver, projectIDs, stage, logger)
		}); err != nil {
			logger.Error("failed to schedule resume sweep", "error", err)
		} else {
			c.Start()
			defer c.Stop()
			<-ctx.Done()
		}
	}

	os.Exit(classifyExit(results))
}

// runOnce drives every projectID through the pipeline once and logs
// each project's outcome.
func runOnce(ctx context.Context, driver *pipeline.Driver, projectIDs []string, stage pipeline.Stage, logger *slog.Logger) []pipeline.ProjectResult {
	results, err := driver.Run(ctx, projectIDs, stage)
	if err != nil {
		logger.Error("pipeline run aborted", "error", err)
		return results
	}
	for _, r := range results {
		if r.Err != nil {
			logger.Error("project failed", "project_id", r.ProjectID, "error", r.Err)
			continue
		}
		logger.Info("project complete",
			"project_id", r.ProjectID, "tasks_reasoned", r.TasksReasoned, "findings_validated", r.FindingsValidated)
	}
	return results
}

// parseProjectIDs splits the --project-id flag, falling back to every
// project_id named in the dataset manifest when the flag is empty.
func parseProjectIDs(flagValue string, manifest workspace.Manifest) []string {
	flagValue = strings.TrimSpace(flagValue)
	if flagValue == "" {
		ids := make([]string, 0, len(manifest))
		for id := range manifest {
			ids = append(ids, id)
		}
		return ids
	}
	var ids []string
	for _, id := range strings.Split(flagValue, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
