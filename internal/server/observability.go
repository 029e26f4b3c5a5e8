package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Observability struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider    *sdktrace.TracerProvider
	OptimizeCounter  metric.Int64Counter
	ChatCounter      metric.Int64Counter
	SettleCounter    metric.Int64Counter
	RateLimited      metric.Int64Counter
	UpstreamDuration metric.Int64Histogram
}

func SetupObservability(ctx context.Context, cfg ObservabilityConfig) (*Observability, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "agent-gateway"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	optimizeCounter, _ := meter.Int64Counter("gateway_optimize_total")
	chatCounter, _ := meter.Int64Counter("gateway_chat_total")
	settleCounter, _ := meter.Int64Counter("gateway_settlement_total")
	rateLimited, _ := meter.Int64Counter("gateway_rate_limited_total")
	upstreamDuration, _ := meter.Int64Histogram("gateway_upstream_duration_ms")
	return &Observability{
		Tracer:           tracer,
		Meter:            meter,
		traceProvider:    tp,
		OptimizeCounter:  optimizeCounter,
		ChatCounter:      chatCounter,
		SettleCounter:    settleCounter,
		RateLimited:      rateLimited,
		UpstreamDuration: upstreamDuration,
	}, nil
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.traceProvider == nil {
		return nil
	}
	return o.traceProvider.Shutdown(ctx)
}

func (o *Observability) MarkOptimize(ctx context.Context, provider string) {
	if o == nil {
		return
	}
	o.OptimizeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

func (o *Observability) MarkChat(ctx context.Context, provider string, durationMS int64) {
	if o == nil {
		return
	}
	o.ChatCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
	o.UpstreamDuration.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

func (o *Observability) MarkSettlement(ctx context.Context, status string) {
	if o == nil {
		return
	}
	o.SettleCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (o *Observability) MarkRateLimited(ctx context.Context) {
	if o == nil {
		return
	}
	o.RateLimited.Add(ctx, 1)
}
