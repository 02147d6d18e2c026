// Package session 保存每个用户的钱包与提现对话状态。
//
// MemoryStore 为默认实现，进程重启后状态丢失；RedisStore 使用 WATCH/MULTI
// 乐观事务保证同一用户的并发写入不会交错，私钥以加密形式落盘。
package session
