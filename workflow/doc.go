// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供基于依赖图的工作流编排与执行引擎。

# 概述

Flow 是一组 GraphNode 组成的有向无环图。NewFlow 在构建期完成全部校验
（id 唯一、依赖存在、输入映射合法、重试策略合法、无环），
Run 按依赖关系并发调度节点，直到不再有待执行或就绪的节点。

# 核心接口与类型

  - Node / NodeFunc    — 单次调用的节点契约 Execute(ctx, inputs) (outputs, error)
  - Lifecycle          — Prep / Exec / Post 三段式契约，FromLifecycle 适配为 Node
  - GraphNode          — 声明式节点：依赖、输入映射、守卫、重试、超时、熔断、限流
  - NodeType           — Standard / Map / While
  - Flow               — 校验后的不可变图，可多次并发运行
  - FlowBuilder        — Fluent API 构建 Flow
  - ActionFlow         — 由 Post 返回的 next 驱动的顺序执行器
  - Result / NodeResult — 每个节点的终态、输出、错误与重试诊断

# 调度语义

  - 节点状态：Pending → Ready → Running → Completed | Failed | Skipped
  - 节点输出在下游就绪前以节点 id 为键写入上下文存储
  - 依赖失败时下游直接失败（DEPENDENCY_NOT_MET），兄弟子树继续执行
  - Skipped 仅由守卫为假或未选中的跳转分支产生，下游仍可执行
  - FailFast 策略下首个失败会取消运行中的节点
  - 节点包装顺序：限流 → 熔断 → 重试 → 超时 → 节点

# 可观测性

每次运行与每个节点各有一个 OpenTelemetry span，Observer 接收节点与运行
指标事件，Recorder 持久化每步结果，ExecutionHistory 记录执行轨迹。
*/
package workflow
