// Package tlsutil 集中管理外部连接的 TLS 设置：模型接口与文献检索的
// HTTP 客户端，以及启用 TLS 时的 Redis 连接（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
