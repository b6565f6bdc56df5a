// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供工作流引擎的配置加载。
//
// 配置按 默认值 → YAML 文件 → AGENTFLOW_* 环境变量 的顺序叠加，
// 覆盖调度器、默认重试策略、日志、遥测、指标以及 Redis / 数据库记录器。
package config
