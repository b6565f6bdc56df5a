// =============================================================================
// AgentFlow 命令行入口
// =============================================================================
// 加载工作流定义文件并执行，输出节点状态与工作流输出
//
// 使用方法:
//
//	agentflow run pipeline.yaml                          # 运行工作流
//	agentflow run --input name=ops pipeline.yaml         # 传入工作流输入
//	agentflow run --config config.yaml pipeline.yaml     # 指定配置文件
//	agentflow validate pipeline.yaml                     # 只解析与编译
//	agentflow version                                    # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentflow-core/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码
const (
	exitOK        = 0
	exitFailed    = 1 // 有节点失败
	exitUsage     = 2 // 参数或定义错误
	exitInterrupt = 130
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(dispatch(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func dispatch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitUsage
	}

	switch args[0] {
	case "run":
		return runCommand(ctx, args[1:], stdout, stderr)
	case "validate":
		return validateCommand(args[1:], stdout, stderr)
	case "version":
		printVersion(stdout)
		return exitOK
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return exitUsage
	}
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "AgentFlow %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `AgentFlow - workflow orchestration engine

Usage:
  agentflow <command> [options] <workflow-file>

Commands:
  run       Run a workflow definition (YAML or JSON)
  validate  Parse and compile a workflow definition without running it
  version   Show version information
  help      Show this help message

Options for 'run':
  --config <path>       Path to configuration file (YAML)
  --input key=value     Workflow input, repeatable
  --run-id <id>         Explicit run id
  --fail-fast           Stop scheduling new nodes after the first failure
  --timeout <duration>  Overall run timeout (overrides engine.run_timeout)
  --json                Print the full result as JSON
  --hold                Keep serving /metrics after the run until interrupted

Exit codes:
  0  all nodes completed or were skipped
  1  one or more nodes failed
  2  invalid arguments, configuration or workflow definition

Examples:
  agentflow run --input name=ops examples/echo.yaml
  agentflow run --config /etc/agentflow/config.yaml pipeline.yaml
  agentflow validate pipeline.yaml
  agentflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
