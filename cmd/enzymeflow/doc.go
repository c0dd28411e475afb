// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 enzymeflow 命令行入口。

# 子命令

  - run：按工作流定义（或内置的三步流程）执行一次运行，
    任一步骤失败时退出码为 1
  - threads：list / show / render / lookup / bundle / delete，查看与维护对话线程
  - manifest：show / history / index rebuild / index producers，查看运行清单与溯源
  - schema：输出线程文档、清单条目与工作流定义的 JSON Schema
  - version：版本信息，Version、BuildTime、GitCommit 通过 ldflags 注入

配置按 默认值 → YAML（--config）→ ENZYMEFLOW_* 环境变量 的顺序加载，
日志由 log 配置段构建（zap）。
*/
package main
