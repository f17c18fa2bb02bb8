// Package migrations embeds the goose SQL migrations that bootstrap a
// replica store: the change log plus the mirrored table set.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
