// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的编排器指标采集能力，覆盖
步骤执行、产物存储、会话记忆、LLM 调用与运行清单五个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离。
nil Collector 上的记录方法均为空操作，未启用指标时组件可直接传 nil。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 步骤指标：执行总数与耗时（按 step/status），状态转换计数。
  - 产物指标：写入次数（区分去重）、新增版本字节数。
  - 会话指标：压缩次数、损坏隔离次数、追加轮次数。
  - LLM 指标：请求总数、请求耗时、Token 用量（prompt/completion）。
  - 清单与数据库指标：清单条目数、索引库连接数 Gauge。
*/
package metrics
