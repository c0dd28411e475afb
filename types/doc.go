// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 enzymeflow 编排核心的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包。所有组件（config、artifacts、
threads、manifest、workflow、llm）共享同一套结构化错误体系，以便运行
清单（manifest）能够按错误类别记录失败原因。

# 核心类型

  - Error / ErrorCode — 结构化错误，含 Retryable 标记与 Details
  - ErrorCategory     — configuration / validation / storage / external_call

# 主要能力

  - 错误工具链：AsError / IsErrorCode / IsRetryable / CategoryOf
  - 每个 ErrorCode 通过 Category() 映射到错误类别
*/
package types
