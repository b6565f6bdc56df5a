// =============================================================================
// 📦 AgentFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentflow.yaml").
//	    WithEnvPrefix("AGENTFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentflow-core/retry"
	"github.com/BaSui01/agentflow-core/state"
	"github.com/BaSui01/agentflow-core/workflow"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是工作流引擎的完整配置结构
type Config struct {
	// Engine 调度器配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Retry 默认重试策略
	Retry RetryConfig `yaml:"retry" env:"RETRY"`

	// Store 上下文存储资源限制
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Redis 运行快照记录配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 执行历史记录配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
}

// EngineConfig 调度器配置
type EngineConfig struct {
	// 失败策略: continue_on_failure, fail_fast
	FailurePolicy string `yaml:"failure_policy" env:"FAILURE_POLICY"`
	// 启用的运行记录器: file, redis, database
	Recorders []string `yaml:"recorders" env:"RECORDERS"`
	// file 记录器输出目录
	RecordDir string `yaml:"record_dir" env:"RECORD_DIR"`
	// 内存中保留的执行历史条数
	HistoryLimit int `yaml:"history_limit" env:"HISTORY_LIMIT"`
	// 单次运行的整体超时，0 表示不限
	RunTimeout time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
}

// HasRecorder 判断是否启用了指定记录器
func (e EngineConfig) HasRecorder(name string) bool {
	for _, r := range e.Recorders {
		if strings.EqualFold(strings.TrimSpace(r), name) {
			return true
		}
	}
	return false
}

// RetryConfig 默认重试策略，作用于未单独配置重试的节点
type RetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 总尝试次数
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 退避策略: fixed, linear, exponential
	Strategy string `yaml:"strategy" env:"STRATEGY"`
	// 初始延迟
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	// linear 每次增量
	Step time.Duration `yaml:"step" env:"STEP"`
	// exponential 倍增因子
	Multiplier float64 `yaml:"multiplier" env:"MULTIPLIER"`
	// 最大延迟
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// 是否抖动
	Jitter bool `yaml:"jitter" env:"JITTER"`
	// 可重试错误白名单，如 NetworkError, message_contains:busy
	RetryOn []string `yaml:"retry_on" env:"RETRY_ON"`
	// 总时长预算
	MaxDuration time.Duration `yaml:"max_duration" env:"MAX_DURATION"`
}

// Policy 构建重试策略，未启用时返回 nil
func (r RetryConfig) Policy() (*retry.Policy, error) {
	if !r.Enabled {
		return nil, nil
	}
	var strategy retry.Strategy
	switch retry.StrategyType(r.Strategy) {
	case retry.StrategyFixed:
		strategy = retry.Fixed(r.InitialDelay)
	case retry.StrategyLinear:
		strategy = retry.Linear(r.InitialDelay, r.Step)
	case retry.StrategyExponential, "":
		strategy = retry.Exponential(r.InitialDelay, r.MaxDelay, r.Multiplier)
	default:
		return nil, fmt.Errorf("unknown retry strategy %q", r.Strategy)
	}
	if r.Jitter {
		strategy = strategy.WithJitter()
	}
	return retry.NewPolicyBuilder().
		MaxAttempts(r.MaxAttempts).
		Strategy(strategy).
		RetryOnNamed(r.RetryOn...).
		MaxDuration(r.MaxDuration).
		Build()
}

// StoreConfig 上下文存储资源限制，字节与条目上限为 0 表示不限
type StoreConfig struct {
	// 全部值序列化后的总字节数上限
	MaxStateSize int `yaml:"max_state_size" env:"MAX_STATE_SIZE"`
	// 单个值序列化后的字节数上限
	MaxValueSize int `yaml:"max_value_size" env:"MAX_VALUE_SIZE"`
	// 键数量上限
	MaxEntries int `yaml:"max_entries" env:"MAX_ENTRIES"`
	// 告警与自动清理阈值（占 max_state_size 的比例）
	CleanupThreshold float64 `yaml:"cleanup_threshold" env:"CLEANUP_THRESHOLD"`
	// 超限时淘汰最久未访问的键而不是拒绝写入
	AutoCleanup bool `yaml:"auto_cleanup" env:"AUTO_CLEANUP"`
}

// Limits 转换为 state.Limits
func (s StoreConfig) Limits() state.Limits {
	return state.Limits{
		MaxStateSize:     s.MaxStateSize,
		MaxValueSize:     s.MaxValueSize,
		MaxEntries:       s.MaxEntries,
		CleanupThreshold: s.CleanupThreshold,
		AutoCleanup:      s.AutoCleanup,
	}
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP gRPC 端点：host:port，或带 http/https scheme 的 URL
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 裸 host:port 端点是否使用明文连接
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 附加到每次导出请求的 gRPC metadata（如鉴权头），仅支持 YAML
	Headers map[string]string `yaml:"headers" env:"-"`
	// 单次导出超时，0 使用 exporter 默认值
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 部署环境，写入 deployment.environment resource 属性
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
	// 根 span 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 指标导出周期，0 使用 SDK 默认值
	MetricInterval time.Duration `yaml:"metric_interval" env:"METRIC_INTERVAL"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// /metrics 监听地址，为空时不暴露 HTTP 端点
	Addr string `yaml:"addr" env:"ADDR"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 运行快照过期时间
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "console": true}
	validDrivers    = map[string]bool{"postgres": true, "mysql": true, "sqlite": true}
	validRecorders  = map[string]bool{"file": true, "redis": true, "database": true}
)

// Validate 验证配置，返回全部问题
func (c *Config) Validate() error {
	var errs []error

	// 验证引擎配置
	if _, err := workflow.ParseFailurePolicy(c.Engine.FailurePolicy); err != nil {
		errs = append(errs, err)
	}
	for _, r := range c.Engine.Recorders {
		if !validRecorders[strings.ToLower(strings.TrimSpace(r))] {
			errs = append(errs, fmt.Errorf("unknown recorder %q", r))
		}
	}
	if c.Engine.HasRecorder("file") && c.Engine.RecordDir == "" {
		errs = append(errs, errors.New("engine.record_dir is required for the file recorder"))
	}
	if c.Engine.HistoryLimit < 0 {
		errs = append(errs, errors.New("engine.history_limit must not be negative"))
	}

	// 验证重试配置
	if _, err := c.Retry.Policy(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}

	// 验证存储限制
	if err := c.Store.Limits().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	// 验证日志配置
	if !validLogLevels[c.Log.Level] {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Log.Level))
	}
	if !validLogFormats[c.Log.Format] {
		errs = append(errs, fmt.Errorf("invalid log format %q", c.Log.Format))
	}

	// 验证遥测配置
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, errors.New("telemetry.sample_rate must be between 0 and 1"))
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, errors.New("telemetry.otlp_endpoint is required when telemetry is enabled"))
	}
	if c.Telemetry.Timeout < 0 || c.Telemetry.MetricInterval < 0 {
		errs = append(errs, errors.New("telemetry.timeout and telemetry.metric_interval must not be negative"))
	}

	if c.Engine.HasRecorder("database") && !validDrivers[c.Database.Driver] {
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}

	return errors.Join(errs...)
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
