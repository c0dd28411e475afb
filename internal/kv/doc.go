// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 kv 封装 go-redis 客户端，为线程记忆的 Redis 后端提供带前缀的
键值读写、键遍历与基于 SET NX 的分布式锁。

# 核心类型

  - Manager：持有 Redis 客户端，提供 Get/Set/Delete/Rename/Scan，
    以及 TryLock/Unlock（Lua 脚本校验 token 后删除）。

# 错误语义

ErrNotFound 表示键不存在，ErrLockHeld 表示锁被他人持有，
ErrClosed 表示管理器已关闭。
*/
package kv
