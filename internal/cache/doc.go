// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的运行快照记录能力。

# 概述

Manager 封装 go-redis 客户端，负责连接建立、键前缀、默认 TTL、
后台健康检查与优雅关闭。RunRecorder 实现 workflow.Recorder，
在每个节点结束时写入节点结果，在运行结束时写入完整结果并更新
按工作流划分的运行索引。记录只用于观测，不参与恢复运行。

# 键布局

  - <prefix>run:<run_id>：运行结果 JSON
  - <prefix>run:<run_id>:steps：HASH，node_id 到节点结果 JSON
  - <prefix>runs:<workflow>：ZSET，按开始时间排序的 run_id

写入失败只记录日志并通知 WriteObserver，不会使运行失败。
*/
package cache
