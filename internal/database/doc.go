// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的连接池管理与运行历史持久化。

# 概述

PoolManager 负责连接池参数、健康检查、统计上报与事务执行。
Open 根据 config.DatabaseConfig 选择 postgres、mysql 或纯 Go 的
sqlite 方言。WithTransactionRetry 使用 retry 包的策略，只对死锁、
序列化失败、锁超时与连接类错误退避重试。

HistoryRecorder 实现 workflow.Recorder，把每个节点的终态写入
flow_steps，把整次运行写入 flow_runs。写入按 (run_id, node_id)
幂等，可通过 ListRuns、GetRun 查询，通过 Prune 限制保留数量。
*/
package database
