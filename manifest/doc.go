// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 manifest 提供运行清单：每次步骤调用（成功、失败或部分完成）
追加一条记录，按 JSON Lines 格式保存在 <运行目录>/manifest.jsonl。

# 核心类型

  - Manifest：单次运行的只追加清单，Record 分配序号并 fsync
  - Entry / ErrorSummary：条目与结构化错误摘要
  - Node：HistoryFor 返回的溯源树节点（present / missing / external）
  - Index：基于 GORM 的可重建查询索引，作为 Sink 挂到 Manifest 上

# 崩溃恢复

进程在写入中途崩溃时最后一行可能残缺。Open 截掉残缺末行并告警；
中间行无法解析则视为损坏，返回 CORRUPT_DOCUMENT。
*/
package manifest
