// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供步骤契约、单步执行与多步编排。

# 概述

一个步骤由 StepContract（声明的输入输出端口与 schema）和 Capability
（实际工作）组成。Runner 负责单步：绑定并校验输入、调用能力、把声明的
输出作为一个整体提交到产物库，并在运行清单中记录恰好一条条目。
Composer 负责多步：按注册顺序连线，决定就绪、跳过、复用或重跑，
并产出 RunReport。

# 核心类型

  - StepContract / Port  — 步骤的输入输出声明；可选输入可带 Default
  - Step / Capability    — 契约 + 能力
  - StepContext          — 能力可见的输入、输出登记、线程记忆与日志
  - Runner               — 单步执行，失败时不留下任何输出
  - Composer             — 注册、连线校验、续跑与并行波次
  - RunOptions           — 覆盖输入、内联值、默认值、强制重跑与失败策略
  - RunReport            — 每个步骤的终态、复用情况与错误摘要

# 状态

步骤状态只会沿 Pending → Ready → Running → Succeeded/Failed 前进；
依赖未成功的步骤进入 Skipped，不执行也不记录清单条目；
续跑时已成功且输出仍在的步骤直接由 Pending 进入 Succeeded。
*/
package workflow
