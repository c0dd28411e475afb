// Package dsl 解析 YAML 工作流定义：按顺序的步骤、变量插值、步骤 if 条件、
// 输入覆盖、按行文本输入与可选输入默认值，产出可注册到 Composer 的步骤。
package dsl
