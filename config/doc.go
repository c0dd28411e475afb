// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 config 提供 enzymeflow 的配置加载与数据位置解析能力。

# 概述

配置按 "默认值 → YAML 文件 → 环境变量" 的优先级合并，环境变量
前缀默认为 ENZYMEFLOW。YAML 中的未知字段在加载时即被拒绝。

数据位置采用两级命名：数据根（DataRoot）与子区域（SubArea）。
Resolver 在进程启动时由注册表构建，构建后不可变，并显式传递给
所有需要解析路径的组件，不存在全局查找。

# 核心类型

  - Config / Loader：完整配置结构与 Builder 模式加载器
  - StorageConfig：数据根与子区域注册表
  - Resolver：纯函数式的 (root, subarea) → 目录解析器，从不创建目录

# 主要能力

  - 环境变量覆盖：支持 Duration、切片（逗号分隔）与 map（k=v 列表）
  - 配置校验：Validate 一次性汇总全部问题并返回 INVALID_CONFIG
  - 路径解析：Resolve / RootPath / ResolveInput，未知名称返回
    UNKNOWN_ROOT / UNKNOWN_SUBAREA 配置错误
*/
package config
