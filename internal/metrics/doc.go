// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的工作流指标采集能力。

# 概述

Collector 使用 promauto.With 注册到调用方提供的 Registerer，
所有指标按 namespace 隔离。Collector 同时实现 workflow.Observer、
retry.Observer 与 workflow.CircuitBreakerEventHandler，
通过一次 workflow.WithObserver 即可接收运行、节点、重试与熔断事件。

# 主要能力

  - 运行指标：运行总数与耗时，按 workflow/status 分组。
  - 节点指标：终态计数与执行耗时，跳过的节点只计数。
  - 重试指标：重试次数、退避延迟、最终结果与触发重试的错误码。
  - 熔断器指标：状态转换计数与当前状态 Gauge。
  - 记录器与数据库指标：运行记录写入结果、连接池打开/空闲连接数。
*/
package metrics
