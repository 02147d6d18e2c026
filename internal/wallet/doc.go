// Package wallet 负责为用户获取或创建托管钱包。
package wallet
