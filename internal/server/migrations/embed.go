// Package migrations embeds the goose SQL migrations for the relay's
// postgres directory.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
