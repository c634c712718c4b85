// Package migrations embeds the SQL schema files so the binary can migrate
// its own database without shipping loose files alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
