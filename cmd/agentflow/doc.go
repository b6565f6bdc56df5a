// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 agentflow 命令行程序。

# 子命令

  - run       加载工作流定义并执行，打印节点状态与声明的输出
  - validate  只解析与编译定义，报告依赖环、未知节点类型等问题
  - version   打印通过 ldflags 注入的 Version、BuildTime、GitCommit

# 运行时装配

run 从 --config 与 AGENTFLOW_* 环境变量加载 config.Config，然后按配置装配：

  - OpenTelemetry tracer 与 flow.* 指标（telemetry.enabled），为每次运行与每个节点创建 span
  - Prometheus 指标收集器与 /metrics、/healthz 端点（metrics.enabled）
  - 运行记录器：file 写 JSON 文件，redis 写运行快照，database 写执行历史
  - 引擎默认的失败策略与重试策略，工作流文件中的设置优先
  - 上下文存储限制（store.*），超限写入使节点以 CONTEXT_STORE_ERROR 失败

节点失败时退出码为 1，参数、配置或定义错误时为 2。
*/
package main
