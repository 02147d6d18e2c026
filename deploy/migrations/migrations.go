package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

// Files 暴露所有 SQL 迁移文件，按数据库方言分目录存放。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS

// For 返回指定方言的迁移目录。
func For(dialect string) (fs.FS, error) {
	switch dialect {
	case "mysql", "sqlite":
		return fs.Sub(Files, dialect)
	default:
		return nil, fmt.Errorf("不支持的数据库方言: %s", dialect)
	}
}
