// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package retry 提供节点执行的重试子系统。

# 概述

retry 让瞬时故障对调用方透明，同时不重试无法通过重复执行恢复的错误。

# 核心类型

  - Strategy     — 退避策略（fixed / linear / exponential，可选 ±25% 抖动）
  - Pattern      — 可重试错误模式（错误类型、消息子串、网络、超时、限流、服务不可用）
  - Policy       — 重试策略（最大尝试次数、退避、白名单、总时长预算）
  - ErrorContext — 最终失败时的诊断包（逐次尝试的错误链与多段报告）

# 执行器

  - Do             — 按策略执行操作，耗尽时返回 RETRY_EXHAUSTED
  - DoWithContext  — 语义相同，最终失败时额外返回 ErrorContext 诊断包

尝试下标从 0 开始，首次尝试前不睡眠；第 i 次尝试失败后、下一次尝试之前等待 Backoff(i)。
*/
package retry
