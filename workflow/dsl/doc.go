// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package dsl 提供 YAML/JSON 声明式工作流描述，并编译为可执行的 workflow.Flow。

# 描述格式

顶层包含 name、inputs、nodes、outputs 以及可选的 failure_policy 与默认 retry。
节点通过 depends_on（别名 dependencies）声明依赖，通过 input_mapping 引用
"{{ nodes.<id>.outputs.<field> }}"，通过 run_if 声明守卫。map 与 while 为内置类型，
其余类型必须在传给编译器的 Registry 中注册。

# 用法

	reg := dsl.NewRegistry()
	reg.MustRegister("echo", echoFactory)
	def, err := dsl.ParseFile("flow.yaml")
	flow, err := dsl.Compile(def, reg, workflow.WithLogger(logger))
	inputs, err := dsl.ResolveInputs(def, map[string]string{"topic": "go"})
	result, err := flow.Run(ctx, workflow.WithInputs(inputs))
	outputs := dsl.CollectOutputs(def, result)

参数（parameters）原样传给工厂，工厂可用 DecodeParams 解码到自己的配置结构体。
*/
package dsl
