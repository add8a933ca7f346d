package migrations

import "embed"

// Files 暴露反馈授权账本使用的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
