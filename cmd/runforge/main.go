// Command runforge executes one script under supervision: resource
// sampling, retries, history recording, alert evaluation, performance
// gates and optional statistical analysis of past runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/runforge/runforge/internal/alerts"
	"github.com/runforge/runforge/internal/analysis"
	"github.com/runforge/runforge/internal/config"
	"github.com/runforge/runforge/internal/executor"
	"github.com/runforge/runforge/internal/history"
	"github.com/runforge/runforge/internal/junitout"
	"github.com/runforge/runforge/internal/logging"
	"github.com/runforge/runforge/internal/retrier"
	"github.com/runforge/runforge/internal/workflow"
)

const (
	exitRunnerFailure = 1
	exitGateFailure   = 2
)

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

type options struct {
	workflowFile     string
	maxParallel      int
	timeout          float64
	configPath       string
	historyDB        string
	jsonOutput       string
	junitOutput      string
	detectAnomalies  bool
	analyzeTrend     bool
	detectRegression bool
	addGates         multiFlag
	failOnGate       bool
	retryStrategy    string
	maxAttempts      int
	initialDelay     float64
	maxDelay         float64
	alertConditions  multiFlag
	slackWebhook     string
	emailTo          string
}

func main() {
	os.Exit(run())
}

func run() int {
	log := logging.Init("runforge")

	var opts options
	flag.StringVar(&opts.workflowFile, "workflow", "", "execute a workflow definition instead of a single script")
	flag.IntVar(&opts.maxParallel, "max-parallel", 0, "override the workflow's parallelism ceiling")
	flag.Float64Var(&opts.timeout, "timeout", 0, "kill the script after this many seconds")
	flag.StringVar(&opts.configPath, "config", "", "configuration file (YAML or JSON)")
	flag.StringVar(&opts.historyDB, "history-db", "", "history database path")
	flag.StringVar(&opts.jsonOutput, "json-output", "", "write the execution record as JSON to this file")
	flag.StringVar(&opts.junitOutput, "junit-output", "", "write a JUnit XML report to this file")
	flag.BoolVar(&opts.detectAnomalies, "detect-anomalies", false, "flag runs outside the historical sigma band")
	flag.BoolVar(&opts.analyzeTrend, "analyze-trend", false, "fit a trend line over historical run times")
	flag.BoolVar(&opts.detectRegression, "detect-regression", false, "compare recent run times against the baseline")
	flag.Var(&opts.addGates, "add-gate", "performance gate metric:value (repeatable)")
	flag.BoolVar(&opts.failOnGate, "fail-on-gate-failure", false, "exit non-zero when a gate fails")
	flag.StringVar(&opts.retryStrategy, "retry-strategy", "", "fixed | linear | exponential | fibonacci")
	flag.IntVar(&opts.maxAttempts, "max-attempts", 0, "maximum execution attempts")
	flag.Float64Var(&opts.initialDelay, "initial-delay", 0, "initial retry delay in seconds")
	flag.Float64Var(&opts.maxDelay, "max-delay", 0, "retry delay ceiling in seconds")
	flag.Var(&opts.alertConditions, "alert-config", "alert condition, e.g. 'cpu_max > 90' (repeatable)")
	flag.StringVar(&opts.slackWebhook, "slack-webhook", "", "Slack incoming-webhook URL for alerts")
	flag.StringVar(&opts.emailTo, "email-to", "", "alert email recipient")
	flag.Parse()

	if opts.workflowFile != "" {
		return runWorkflow(log, opts)
	}
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: runforge [flags] <script_path> [args...]")
		return exitRunnerFailure
	}
	scriptPath := flag.Arg(0)
	scriptArgs := flag.Args()[1:]

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Error("load config", "error", err)
		return exitRunnerFailure
	}
	gates, err := buildGates(cfg, opts.addGates)
	if err != nil {
		log.Error("parse gates", "error", err)
		return exitRunnerFailure
	}
	policy := buildPolicy(cfg, opts)
	evaluator, err := buildEvaluator(cfg, opts)
	if err != nil {
		log.Error("build alert evaluator", "error", err)
		return exitRunnerFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath := opts.historyDB
	if dbPath == "" {
		dbPath = os.Getenv("HISTORY_DB_PATH")
	}
	if dbPath == "" {
		dbPath = "runforge_history.db"
	}
	store, err := history.Open(dbPath, nil)
	if err != nil {
		log.Error("open history db", "error", err)
		return exitRunnerFailure
	}
	defer store.Close()

	// Child output streams straight through while the capture buffers fill.
	sink := executor.SinkFunc(func(ev executor.Event) {
		if ev.Type != executor.EventOutputLine {
			return
		}
		line, _ := ev.Fields["line"].(string)
		if stream, _ := ev.Fields["stream"].(string); stream == "stderr" {
			fmt.Fprintln(os.Stderr, line)
		} else {
			fmt.Println(line)
		}
	})

	ctrl := executor.New(executor.Config{
		AllowRoot: os.Getenv("ALLOWED_SCRIPT_ROOT"),
		Sink:      sink,
		Meter:     nil,
	})
	go func() {
		<-ctx.Done()
		ctrl.Cancel()
	}()

	driver := retrier.New(policy, nil, sink)
	rec, err := driver.Run(ctx, func(ctx context.Context, attempt int, correlationID string) (*executor.Record, error) {
		return ctrl.Run(ctx, executor.Request{
			ScriptPath:    scriptPath,
			Args:          scriptArgs,
			Timeout:       time.Duration(opts.timeout * float64(time.Second)),
			CaptureOutput: true,
			StreamOutput:  true,
			CorrelationID: correlationID,
			Attempt:       attempt,
		})
	})
	if err != nil {
		log.Error("run failed", "error", err)
		return exitRunnerFailure
	}

	if _, err := store.SaveExecution(ctx, rec); err != nil {
		log.Error("save execution", "error", err)
	}
	if evaluator != nil {
		evaluator.Evaluate(ctx, rec.Metrics)
	}

	gateFailures := alerts.CheckGates(gates, rec.Metrics)
	for _, f := range gateFailures {
		fmt.Fprintln(os.Stderr, f.String())
	}

	runAnalysis(ctx, store, scriptPath, opts)

	if opts.jsonOutput != "" {
		if err := writeJSONReport(opts.jsonOutput, rec, gateFailures); err != nil {
			log.Error("write json report", "error", err)
		}
	}
	if opts.junitOutput != "" {
		if err := junitout.WriteFile(opts.junitOutput, rec, gateFailures, gates); err != nil {
			log.Error("write junit report", "error", err)
		}
	}

	if len(gateFailures) > 0 && opts.failOnGate {
		return exitGateFailure
	}
	if rec.ExitCode < 0 {
		return exitRunnerFailure
	}
	return rec.ExitCode
}

// buildGates merges configured gates with --add-gate metric:value entries
// (value is an upper bound).
func buildGates(cfg *config.Config, extra []string) ([]alerts.Gate, error) {
	gates := append([]alerts.Gate(nil), cfg.PerformanceGates...)
	for _, spec := range extra {
		name, raw, ok := strings.Cut(spec, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("gate %q: want metric:value", spec)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("gate %q: %w", spec, err)
		}
		max := v
		gates = append(gates, alerts.Gate{MetricName: name, MaxValue: &max})
	}
	return gates, nil
}

// buildPolicy layers CLI retry flags over the config defaults.
func buildPolicy(cfg *config.Config, opts options) retrier.Policy {
	p := cfg.RetryPolicy()
	if opts.retryStrategy != "" {
		p.Strategy = retrier.Strategy(opts.retryStrategy)
	}
	if opts.maxAttempts > 0 {
		p.MaxAttempts = opts.maxAttempts
	}
	if opts.initialDelay > 0 {
		p.InitialDelay = time.Duration(opts.initialDelay * float64(time.Second))
	}
	if opts.maxDelay > 0 {
		p.MaxDelay = time.Duration(opts.maxDelay * float64(time.Second))
	}
	return p
}

// buildEvaluator assembles alert rules from the config file plus ad-hoc
// --alert-config conditions, wiring the requested notification sinks.
func buildEvaluator(cfg *config.Config, opts options) (*alerts.Evaluator, error) {
	rules := append([]alerts.Rule(nil), cfg.Alerts...)
	for i, cond := range opts.alertConditions {
		rules = append(rules, alerts.Rule{
			Name:      fmt.Sprintf("cli-alert-%d", i+1),
			Condition: cond,
			Severity:  alerts.SeverityWarning,
			Channels:  []string{"stdout"},
		})
	}
	if len(rules) == 0 {
		return nil, nil
	}

	sinks := []alerts.Sink{&alerts.StdoutSink{}}
	slackURL := opts.slackWebhook
	if slackURL == "" {
		slackURL = cfg.Notifications.Slack.WebhookURL
	}
	if slackURL != "" {
		sinks = append(sinks, alerts.NewBreakerSink(&alerts.SlackSink{WebhookURL: slackURL}))
	}
	email := cfg.Notifications.Email
	to := email.To
	if opts.emailTo != "" {
		to = append([]string{opts.emailTo}, to...)
	}
	if len(to) > 0 && email.SMTPHost != "" {
		sinks = append(sinks, alerts.NewBreakerSink(&alerts.EmailSink{
			Host: fmt.Sprintf("%s:%d", email.SMTPHost, email.SMTPPort),
			From: email.From,
			To:   to,
		}))
	}
	return alerts.NewEvaluator(rules, sinks, nil), nil
}

// runAnalysis prints the requested statistical checks over the last 30 days
// of execution times.
func runAnalysis(ctx context.Context, store *history.Store, scriptPath string, opts options) {
	if !opts.detectAnomalies && !opts.analyzeTrend && !opts.detectRegression {
		return
	}
	points, err := store.TimeSeries(ctx, "execution_time_seconds", scriptPath, 30)
	if err != nil {
		fmt.Fprintln(os.Stderr, "analysis unavailable:", err)
		return
	}
	if opts.detectAnomalies {
		anomalies := analysis.DetectAnomalies(points, analysis.DefaultSigma)
		fmt.Printf("anomalies: %d of %d runs outside %.1f sigma\n",
			len(anomalies), len(points), analysis.DefaultSigma)
		for _, a := range anomalies {
			fmt.Printf("  %s: %.3fs (%.1f sigma from mean %.3fs)\n",
				a.Point.Timestamp.Format(time.RFC3339), a.Point.Value, a.Deviation, a.Mean)
		}
	}
	if opts.analyzeTrend {
		t := analysis.AnalyzeTrend(points)
		fmt.Printf("trend: %s (slope %.5f s/run over %d runs, %+.1f%%)\n",
			t.Direction, t.Slope, t.SampleCount, t.ChangePercent)
	}
	if opts.detectRegression {
		r := analysis.DetectRegression(points, 5, analysis.DefaultRegressionThreshold)
		if r.Detected {
			fmt.Printf("regression detected: recent mean %.3fs vs baseline %.3fs (%+.1f%%)\n",
				r.RecentMean, r.BaselineMean, r.ChangePercent)
		} else {
			fmt.Printf("no regression: recent mean %.3fs vs baseline %.3fs\n",
				r.RecentMean, r.BaselineMean)
		}
	}
}

type jsonReport struct {
	Record       *executor.Record     `json:"record"`
	GateFailures []alerts.GateFailure `json:"gate_failures,omitempty"`
}

func writeJSONReport(path string, rec *executor.Record, failures []alerts.GateFailure) error {
	data, err := json.MarshalIndent(jsonReport{Record: rec, GateFailures: failures}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// runWorkflow parses, validates and executes a workflow definition, printing
// per-task outcomes.
func runWorkflow(log *slog.Logger, opts options) int {
	data, err := os.ReadFile(opts.workflowFile)
	if err != nil {
		log.Error("read workflow", "error", err)
		return exitRunnerFailure
	}
	def, err := workflow.ParseDefinition(data)
	if err != nil {
		log.Error("parse workflow", "error", err)
		return exitRunnerFailure
	}
	dag, err := workflow.BuildDAG(def)
	if err != nil {
		log.Error("build workflow", "error", err)
		return exitRunnerFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	maxParallel := def.Config.MaxParallel
	if opts.maxParallel > 0 {
		maxParallel = opts.maxParallel
	}
	engine := workflow.NewEngine(maxParallel, nil)
	runner := &workflow.ExecRunner{AllowRoot: os.Getenv("ALLOWED_SCRIPT_ROOT")}
	res, err := engine.Execute(ctx, dag, runner)
	if err != nil {
		log.Error("execute workflow", "error", err)
		return exitRunnerFailure
	}

	for _, id := range dag.Order {
		tr := res.TaskResults[id]
		line := fmt.Sprintf("%-10s %s", tr.Status, id)
		if tr.Status == workflow.StatusFailed {
			line += fmt.Sprintf(" (exit %d)", tr.ExitCode)
		}
		if tr.Error != "" {
			line += " " + tr.Error
		}
		fmt.Println(line)
	}
	fmt.Printf("workflow %s: %s in %.2fs\n", res.Name, res.Status,
		res.EndTime.Sub(res.StartTime).Seconds())

	if res.Status != workflow.WorkflowCompleted {
		return exitRunnerFailure
	}
	return 0
}
