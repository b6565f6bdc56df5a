package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core"
	"github.com/BaSui01/agentflow-core/config"
	"github.com/BaSui01/agentflow-core/internal/cache"
	"github.com/BaSui01/agentflow-core/internal/database"
	"github.com/BaSui01/agentflow-core/internal/metrics"
	"github.com/BaSui01/agentflow-core/internal/server"
	"github.com/BaSui01/agentflow-core/internal/telemetry"
	"github.com/BaSui01/agentflow-core/workflow"
)

// =============================================================================
// 🏷️ 命令行参数
// =============================================================================

// inputFlag 收集可重复的 --input key=value
type inputFlag map[string]string

func (f inputFlag) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+f[k])
	}
	return strings.Join(parts, ",")
}

func (f inputFlag) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	f[key] = value
	return nil
}

type runFlags struct {
	configPath string
	runID      string
	inputs     inputFlag
	failFast   bool
	timeout    time.Duration
	jsonOut    bool
	hold       bool
}

func parseRunFlags(args []string, stderr io.Writer) (*runFlags, string, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	rf := &runFlags{inputs: inputFlag{}}
	fs.StringVar(&rf.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&rf.runID, "run-id", "", "Explicit run id")
	fs.Var(rf.inputs, "input", "Workflow input as key=value (repeatable)")
	fs.BoolVar(&rf.failFast, "fail-fast", false, "Stop scheduling after the first failure")
	fs.DurationVar(&rf.timeout, "timeout", 0, "Overall run timeout")
	fs.BoolVar(&rf.jsonOut, "json", false, "Print the result as JSON")
	fs.BoolVar(&rf.hold, "hold", false, "Keep serving metrics after the run until interrupted")

	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	if fs.NArg() != 1 {
		return nil, "", errors.New("run requires exactly one workflow file")
	}
	return rf, fs.Arg(0), nil
}

// =============================================================================
// 🚀 run 命令
// =============================================================================

func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rf, path, err := parseRunFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	cfg, err := loadConfig(rf.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer rt.Close()

	engine := agentflow.New(
		agentflow.WithLogger(logger),
		agentflow.WithFlowOptions(rt.flowOpts...),
	)
	wf, err := engine.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	runCtx := ctx
	timeout := cfg.Engine.RunTimeout
	if rf.timeout > 0 {
		timeout = rf.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var runOpts []workflow.RunOption
	if rf.runID != "" {
		runOpts = append(runOpts, workflow.WithRunID(rf.runID))
	}
	if rf.failFast {
		runOpts = append(runOpts, workflow.WithRunFailurePolicy(workflow.FailFast))
	}

	out, err := wf.Run(runCtx, rf.inputs, runOpts...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	if rf.jsonOut {
		err = writeJSONResult(stdout, out)
	} else {
		err = writeTextResult(stdout, out)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}

	if rf.hold && rt.server != nil {
		logger.Info("run finished, serving metrics until interrupted", zap.String("addr", rt.server.Addr()))
		<-ctx.Done()
	}

	if ctx.Err() != nil && !rf.hold {
		return exitInterrupt
	}
	if !out.Result.Succeeded() {
		logger.Warn("workflow failed", zap.Error(out.Result.Err()))
		return exitFailed
	}
	return exitOK
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🧩 运行时组件装配
// =============================================================================

// runtime 持有一次命令执行期间的基础设施，Close 按创建的逆序释放
type runtime struct {
	flowOpts []workflow.FlowOption
	server   *server.Manager
	closers  []func(context.Context) error
	logger   *zap.Logger
}

func newRuntime(cfg *config.Config, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{logger: logger}
	if err := rt.init(cfg); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) init(cfg *config.Config) error {
	logger := rt.logger

	// 遥测
	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	rt.closers = append(rt.closers, providers.Shutdown)
	rt.flowOpts = append(rt.flowOpts, providers.FlowOptions()...)

	// 引擎默认策略（工作流文件中的设置优先）
	policy, err := workflow.ParseFailurePolicy(cfg.Engine.FailurePolicy)
	if err != nil {
		return err
	}
	rt.flowOpts = append(rt.flowOpts, workflow.WithFailurePolicy(policy))

	retryPolicy, err := cfg.Retry.Policy()
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if retryPolicy != nil {
		rt.flowOpts = append(rt.flowOpts, workflow.WithDefaultRetry(retryPolicy))
	}
	if limits := cfg.Store.Limits(); limits.Enabled() {
		rt.flowOpts = append(rt.flowOpts, workflow.WithStoreLimits(limits))
	}

	// 指标
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollector(cfg.Metrics.Namespace, reg, logger)
		rt.flowOpts = append(rt.flowOpts, workflow.WithObserver(collector))

		if cfg.Metrics.Addr != "" {
			srvCfg := server.DefaultConfig()
			srvCfg.Addr = cfg.Metrics.Addr
			srv := server.NewManager(server.NewMetricsHandler(reg, nil), srvCfg, logger)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("start metrics server: %w", err)
			}
			rt.server = srv
			rt.closers = append(rt.closers, srv.Shutdown)
		}
	}

	// 记录器
	recorders, err := rt.buildRecorders(cfg, collector)
	if err != nil {
		return err
	}
	for _, r := range recorders {
		rt.flowOpts = append(rt.flowOpts, workflow.WithRecorder(r))
	}

	return nil
}

func (rt *runtime) buildRecorders(cfg *config.Config, collector *metrics.Collector) ([]workflow.Recorder, error) {
	var recorders []workflow.Recorder

	if cfg.Engine.HasRecorder("file") {
		fr, err := workflow.NewFileRecorder(cfg.Engine.RecordDir)
		if err != nil {
			return nil, fmt.Errorf("file recorder: %w", err)
		}
		recorders = append(recorders, fr)
	}

	if cfg.Engine.HasRecorder("redis") {
		cm, err := cache.NewManager(cfg.Redis, rt.logger)
		if err != nil {
			return nil, fmt.Errorf("redis recorder: %w", err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { return cm.Close() })

		opts := []cache.RecorderOption{cache.WithHistoryLimit(cfg.Engine.HistoryLimit)}
		if collector != nil {
			opts = append(opts, cache.WithWriteObserver(collector))
		}
		recorders = append(recorders, cache.NewRunRecorder(cm, opts...))
	}

	if cfg.Engine.HasRecorder("database") {
		pool, err := database.Open(cfg.Database, rt.logger)
		if err != nil {
			return nil, fmt.Errorf("database recorder: %w", err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { return pool.Close() })

		var observer database.WriteObserver
		if collector != nil {
			pool.SetStatsObserver(collector)
			observer = collector
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		hr, err := database.NewHistoryRecorder(ctx, pool, observer)
		if err != nil {
			return nil, fmt.Errorf("database recorder: %w", err)
		}
		recorders = append(recorders, hr)
	}

	return recorders, nil
}

// Close 释放全部组件，错误只记录日志
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.logger.Warn("shutdown component", zap.Error(err))
		}
	}
	rt.closers = nil
}

// =============================================================================
// 🖨️ 结果输出
// =============================================================================

type jsonResult struct {
	RunID     string                          `json:"run_id"`
	Workflow  string                          `json:"workflow"`
	Succeeded bool                            `json:"succeeded"`
	Duration  string                          `json:"duration"`
	Order     []string                        `json:"order"`
	Nodes     map[string]*workflow.NodeResult `json:"nodes"`
	Outputs   map[string]any                  `json:"outputs"`
	Error     string                          `json:"error,omitempty"`
}

func writeJSONResult(w io.Writer, out *agentflow.Output) error {
	res := out.Result
	doc := jsonResult{
		RunID:     res.RunID,
		Workflow:  res.Workflow,
		Succeeded: res.Succeeded(),
		Duration:  res.Duration.String(),
		Order:     res.Order,
		Nodes:     res.Nodes,
		Outputs:   out.Outputs,
	}
	if err := res.Err(); err != nil {
		doc.Error = err.Error()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func writeTextResult(w io.Writer, out *agentflow.Output) error {
	if _, err := io.WriteString(w, out.Result.Report()); err != nil {
		return err
	}
	if len(out.Outputs) == 0 {
		return nil
	}
	names := make([]string, 0, len(out.Outputs))
	for name := range out.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "outputs:")
	for _, name := range names {
		data, err := json.Marshal(out.Outputs[name])
		if err != nil {
			return fmt.Errorf("encode output %q: %w", name, err)
		}
		fmt.Fprintf(w, "  %s = %s\n", name, data)
	}
	return nil
}
