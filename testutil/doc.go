// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 AgentFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免重复实现
相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 流程辅助: RunFlow 运行并要求无基础设施错误，AssertStatuses /
    AssertErrorCode / AssertOutput 检查节点结果
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual / WaitFor
  - 数据工具: MustJSON / MustParseJSON / AssertJSONEqual

# 子包

  - testutil/mocks: MockNode（可配置输出、错误、前 N 次失败、延迟），
    MockRecorder 与 MockObserver 记录引擎回调
  - testutil/fixtures: Linear / Diamond / FanOut 图构造器，
    以及只使用 echo 节点的工作流定义
*/
package testutil
