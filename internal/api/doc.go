// Package api 暴露运维 HTTP 接口：健康检查、Prometheus 指标、交易状态查询、
// 提现流水查询，以及与传输层无关的事件投递入口。
package api
