// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理运行期间的 Prometheus 指标导出服务。

# 核心类型

  - Manager：封装 net/http.Server，Start 非阻塞启动，
    Shutdown 在超时内排空连接，Errors 暴露异步错误。
  - Config：监听地址与读写/关闭超时。
  - MetricsHandler：/metrics（promhttp）与 /healthz 路由。

enzymeflow run 在 metrics.enabled 且配置了 listen_addr 时启动它，
运行结束后关闭。
*/
package server
