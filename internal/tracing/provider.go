package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

// ProviderConfig 追踪上报配置，由服务配置映射而来
type ProviderConfig struct {
	Enabled        bool    // 关闭时InitProvider只设置全局propagator，不上报
	Endpoint       string  // OTLP gRPC端点，例如 "localhost:4317"
	ServiceName    string  // 上报的服务名
	ServiceVersion string  // 服务版本
	SamplingRate   float64 // 采样率 0-1
}

// InitProvider 初始化全局TracerProvider并返回关闭函数。
// 导出器通过OTLP gRPC连接collector，建连阻塞最多5秒，
// 失败时返回错误而不是静默降级，让启动方决定如何处理。
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	// 无论是否上报都设置W3C传播器，保证跨服务trace上下文可透传
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("启用追踪时OTLP端点不能为空")
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exporter, err := otlptracegrpc.New(dialCtx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithDialOption(grpc.WithBlock()),
	)
	if err != nil {
		return nil, fmt.Errorf("创建OTLP导出器失败: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "valigence"
	}
	res := sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)

	rate := cfg.SamplingRate
	if rate <= 0 || rate > 1 {
		rate = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
