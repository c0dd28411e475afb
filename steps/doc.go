// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package steps 提供酶工程研究流程中的具体步骤。

# 概述

每个步骤都是一个 workflow.Step：契约声明输入输出端口，能力通过
StepContext 读取输入、设置输出，并把提示词与模型回复写入线程记忆。
外部协作者只通过接口访问：

  - LiteratureSource — 文献检索（EuropePMC 为默认实现，带限流、重试与熔断）
  - llm.Provider     — 语言模型；为 nil 时步骤退化为确定性输出

# 步骤

  - literature/review — 检索文献，打质量分，产出命中表、来源报告与综述
  - pocket/profile    — 口袋描述符分位分析，产出解释表与极值模式表
  - strategy/plan     — 结合综述、口袋解释与历史线程上下文产出设计策略

DefaultWorkflow 按 文献 → 口袋 → 策略 的顺序组装三者；
RegisterAll 把步骤工厂注册到 dsl.Parser，供 YAML 定义引用。
*/
package steps
