// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 server 管理工作流 CLI 的运维端点 HTTP 服务器。

Manager 负责监听、非阻塞启动、异步错误上报与优雅关闭；
NewMetricsHandler 提供 /metrics（promhttp）与 /healthz 两个端点，
供 Prometheus 在流程运行期间抓取指标。
*/
package server
