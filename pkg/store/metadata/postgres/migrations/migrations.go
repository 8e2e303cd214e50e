// Package migrations embeds the SQL schema migrations for the postgres
// MetadataBackend so they ship inside the deuce binary rather than as
// loose files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
