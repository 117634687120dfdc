// Package migrations embeds the Postgres schema of the study stores in
// golang-migrate's numbered up/down layout.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
