// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库打开与连接池管理，
用于承载运行清单的可选查询索引。

# 概述

Open 按配置选择 sqlite（glebarez 纯 Go 驱动）、postgres 或 mysql
方言，并包装为 PoolManager。PoolManager 统一管理连接生命周期、
空闲回收与最大连接数限制，可选的后台健康检查定时探活并上报
连接数指标。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 多方言：sqlite / postgres / mysql，sqlite 相对路径以配置目录为基准。
  - 健康检查：后台定时 PingContext 探活，Close 时退出。
  - 事务管理：WithTransaction 提供单次事务执行，
    WithTransactionRetry 复用 internal/retry 的指数退避，仅重试
    死锁、锁等待、SQLITE_BUSY 等可恢复错误。
*/
package database
