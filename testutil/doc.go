// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 enzymeflow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 存储辅助: StorageConfig / NewResolver 以临时目录为唯一数据根，
    WriteFile 在数据根的子区域下写入外部输入文件
  - 断言工具: AssertErrorCode

# 子包

  - testutil/mocks: MockProvider（llm.Provider），支持固定回复、
    按用户消息子串匹配回复、延迟与错误注入
  - testutil/fixtures: 模型响应与 OpenAI 兼容接口原始响应体样例

# 使用示例

	r := testutil.NewResolver(t)
	provider := mocks.NewMockProvider().WithResponse("hello")
	text, err := llm.Ask(testutil.TestContext(t), provider, "", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
*/
package testutil
