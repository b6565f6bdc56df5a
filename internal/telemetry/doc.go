// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为工作流引擎提供 TracerProvider 与 MeterProvider。
// Providers.Tracer 返回的 tracer 通过 workflow.WithTracer 注入，
// 每次运行产生 flow.run span，每个节点产生 flow.node 子 span。
// 遥测禁用时使用 noop 实现，不连接任何外部服务。
package telemetry
