// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 artifacts 提供步骤产物（CSV 表格与 JSON 文档）的持久化与版本管理。

# 概述

产物按 (数据根, 子区域, 文件名) 定位。每次写入先对序列化字节计算
sha256，内容哈希即版本号：版本文件不可变地保存在
<子区域>/.versions/<文件名>/<哈希>.<扩展名>，相同内容只存一份。
可见文件 <文件名> 与 sidecar <文件名>.meta.json 通过临时文件加
rename 原子替换，并发写入同一文件名时最终可见的总是某一个完整版本。

# 核心类型

  - Store：产物存储，提供 Write / Read / Import / Exists / EnsureDir /
    Versions / Prune / RegisterMigration
  - Staging：一组输出的两阶段发布（Stage 后 Commit 或 Rollback），
    供步骤执行器实现"全部可见或全部不可见"
  - Schema / Ref / Artifact：数据契约、版本引用与版本描述
  - Table / Payload：表格数据与读取结果

# 主要能力

  - 读取校验：schema 名称或类型不同、版本不同且无迁移链时返回
    SCHEMA_MISMATCH；表格缺少必需列同样报错，多余列被容忍
  - 完整性：读取时重新校验哈希，被篡改的版本返回 CORRUPT_DOCUMENT
  - 重试：瞬时 I/O 错误（EAGAIN、EBUSY 等）经 internal/retry 有界重试
*/
package artifacts
