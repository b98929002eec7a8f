// Package migrations embeds the supervisor's own SQL schema so it is applied
// regardless of working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in filename order.
//
//go:embed *.sql
var FS embed.FS
