// =============================================================================
// 📡 工作流引擎 OpenTelemetry 装配
// =============================================================================
// 按 TelemetryConfig 创建 OTLP trace / metric exporter，构建带引擎元数据的
// Resource，并预先建好 flow tracer 与 FlowMeter，供 workflow.FlowOption 注入。
// 遥测禁用时不创建任何 exporter，全局 provider 保持 noop。
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow-core/config"
	"github.com/BaSui01/agentflow-core/workflow"
)

// InstrumentationName 是 flow.run / flow.node span 与 flow.* 指标的 scope 名称
const InstrumentationName = "github.com/BaSui01/agentflow-core/workflow"

// 引擎自身的 resource 属性
const (
	attrEngineName    = attribute.Key("agentflow.engine.name")
	attrEngineVersion = attribute.Key("agentflow.engine.version")
	attrEngineScope   = attribute.Key("agentflow.engine.instrumentation")
)

const engineName = "agentflow-core"

// Providers 持有 SDK 的 TracerProvider、MeterProvider 以及基于它们建好的 flow 埋点。
// 遥测禁用时 tp/mp 为 nil，Tracer / Meter 回退到全局 provider，Shutdown 为空操作。
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	tracer    trace.Tracer
	flowMeter *FlowMeter
}

// Init 按配置初始化 OTel SDK 并注册为全局 provider。
// cfg.Enabled 为 false 时返回 noop Providers，不连接任何外部服务。
func Init(cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		return &Providers{}, nil
	}

	ctx := context.Background()
	settings, err := newExporterSettings(cfg)
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, settings.traceOptions()...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, settings.metricOptions()...)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	// 子 span 跟随父 span 的采样决定，根 span（flow.run）按比例采样
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.MetricInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.MetricInterval))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)

	p := &Providers{tp: tp, mp: mp}
	if err := p.instrument(); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", settings.endpoint),
		zap.Bool("insecure", settings.insecure),
		zap.String("service_name", cfg.ServiceName),
		zap.String("environment", cfg.Environment),
		zap.String("engine_version", buildVersion()),
		zap.Float64("sample_rate", cfg.SampleRate),
	)
	return p, nil
}

// instrument 基于当前 provider 建好 flow tracer 与 FlowMeter
func (p *Providers) instrument() error {
	p.tracer = p.tp.Tracer(InstrumentationName, trace.WithInstrumentationVersion(buildVersion()))
	fm, err := NewFlowMeter(p.Meter())
	if err != nil {
		return fmt.Errorf("create flow meter: %w", err)
	}
	p.flowMeter = fm
	return nil
}

// Tracer 返回流程使用的 tracer（workflow.WithTracer）。
// 禁用时回退到全局 TracerProvider，除非其他组件安装过 SDK，否则为 noop。
func (p *Providers) Tracer() trace.Tracer {
	if p == nil || p.tp == nil {
		return otel.GetTracerProvider().Tracer(InstrumentationName)
	}
	if p.tracer == nil {
		return p.tp.Tracer(InstrumentationName, trace.WithInstrumentationVersion(buildVersion()))
	}
	return p.tracer
}

// FlowMeter 返回 Init 时建好的 flow 指标观察者，禁用时为 nil
func (p *Providers) FlowMeter() *FlowMeter {
	if p == nil {
		return nil
	}
	return p.flowMeter
}

// FlowOptions 返回把本 Providers 接入流程所需的选项：
// 始终注入 tracer，启用时追加 FlowMeter 观察者。
func (p *Providers) FlowOptions() []workflow.FlowOption {
	opts := []workflow.FlowOption{workflow.WithTracer(p.Tracer())}
	if fm := p.FlowMeter(); fm != nil {
		opts = append(opts, workflow.WithObserver(fm))
	}
	return opts
}

// Shutdown 刷出缓冲的 span 与指标并关闭 exporter，noop Providers 上调用安全
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// newResource 描述引擎进程：服务名与版本、部署环境、引擎标识，
// 并合并 OTEL_RESOURCE_ATTRIBUTES 中的属性
func newResource(ctx context.Context, cfg config.TelemetryConfig) (*resource.Resource, error) {
	version := buildVersion()
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(version),
		attrEngineName.String(engineName),
		attrEngineVersion.String(version),
		attrEngineScope.String(InstrumentationName),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
}

// exporterSettings 是 trace 与 metric exporter 共用的连接参数
type exporterSettings struct {
	endpoint string
	insecure bool
	headers  map[string]string
	timeout  time.Duration
}

// newExporterSettings 解析端点。带 scheme 的端点由 scheme 决定是否加密
// （http 明文，https 加密），裸 host:port 使用 cfg.Insecure。
func newExporterSettings(cfg config.TelemetryConfig) (exporterSettings, error) {
	s := exporterSettings{
		endpoint: strings.TrimSpace(cfg.OTLPEndpoint),
		insecure: cfg.Insecure,
		headers:  cfg.Headers,
		timeout:  cfg.Timeout,
	}
	if s.endpoint == "" {
		return s, errors.New("telemetry: otlp endpoint is required")
	}
	if strings.Contains(s.endpoint, "://") {
		u, err := url.Parse(s.endpoint)
		if err != nil {
			return s, fmt.Errorf("telemetry: invalid otlp endpoint %q: %w", cfg.OTLPEndpoint, err)
		}
		switch u.Scheme {
		case "http":
			s.insecure = true
		case "https":
			s.insecure = false
		default:
			return s, fmt.Errorf("telemetry: unsupported otlp endpoint scheme %q", u.Scheme)
		}
		if u.Host == "" {
			return s, fmt.Errorf("telemetry: otlp endpoint %q has no host", cfg.OTLPEndpoint)
		}
		s.endpoint = u.Host
	}
	return s, nil
}

func (s exporterSettings) traceOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.endpoint)}
	if s.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(s.headers))
	}
	if s.timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(s.timeout))
	}
	return opts
}

func (s exporterSettings) metricOptions() []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(s.endpoint)}
	if s.insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(s.headers))
	}
	if s.timeout > 0 {
		opts = append(opts, otlpmetricgrpc.WithTimeout(s.timeout))
	}
	return opts
}

// buildVersion 从构建信息读取模块版本，不可用时返回 "dev"
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
