// Package migrations embeds the SQL schema files applied at startup.
package migrations

import "embed"

// FS holds the numbered *.sql files in apply order.
//
//go:embed *.sql
var FS embed.FS
