// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供工作流引擎的全局共享类型定义。

# 概述

types 是框架最底层的公共包，不依赖任何内部包，为 state、retry、workflow、
dsl 等上层模块提供统一的数据与错误契约，以避免循环依赖。

# 核心类型

  - FlowValue         — 节点之间传递的数据值（JSON / File / URL 三种封闭变体）
  - Values            — 命名的输入或输出集合（map[string]FlowValue）
  - Error / ErrorCode — 结构化错误体系，含 Retryable（瞬时性）、NodeID、Attempts 标记

# 主要能力

  - 序列化：File / URL 以 "$type" 判别字段编码，JSON 值透明编码
  - 诊断输出：FlowValue.Describe 生成截断后的单行描述
  - 错误工具链：AsError / IsCode / IsRetryable / IsPermanent / GetErrorCode
  - 常用错误构造：NodeFailed / InputError / RetryExhausted / CircularFlow 等
*/
package types
