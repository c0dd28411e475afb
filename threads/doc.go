// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 threads 提供按 (process-tag, thread-id) 持久化的会话记忆，
供需要多次调用语言模型的步骤保存和复用上下文。

# 文档格式

每个线程一个 JSON 文档，文件名为 <清洗后的 tag>_<thread-id>.json，
format_version 为 1；旧格式（messages 数组）在读取时自动升级。

# 并发

同一线程的写操作先进入进程内 FIFO 临界区，再获取后端锁
（文件后端为 O_EXCL 锁文件，Redis 后端为 SET NX PX），
因此并发追加按到达顺序串行，不会丢失或交错。

# 压缩

RenderContext 超出预算时把最少的最旧连续轮次（永不包括最新一轮）
折叠为一条摘要轮次，原文移入 Archive，Lookup 仍可按序号取回。
渲染结果始终不超过预算；仍然超长的轮次带 [truncated] 标记截断。

# 损坏恢复

无法解析的文档被改名为 .corrupt-<unix>，随后新建线程，
同时记录告警日志、指标与可选回调。
*/
package threads
