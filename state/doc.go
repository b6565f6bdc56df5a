// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package state 提供工作流运行期间共享的上下文存储与模板解析。

# 概述

Store 是一次运行内所有节点共享的键值存储，值均为 JSON 兼容形式。
调度器在每个节点完成后、重新计算就绪集合之前写入该节点的输出，
因此下游节点与守卫条件总能看到上游的结果。

# 并发模型

读多写一：读取方并发访问，写入串行化。所有读取返回深拷贝，
调用方无法通过返回值修改存储内容。

# 模板

ResolveTemplate 将文本中的 {{key}} 占位符替换为存储中的值：
字符串原样输出，数字以自然形式输出，其余值输出紧凑 JSON。
键先按原样查找，再按点号路径查找，nodes.<id>.outputs.<field>
等价于 <id>.<field>。找不到的键保留原占位符。
*/
package state
