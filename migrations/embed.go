// Package migrations embeds the SQL applied by "cdr-server migrate".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
