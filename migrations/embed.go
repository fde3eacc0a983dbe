// Package migrations embeds SQL migration files into the binary.
//
// The files are compiled into the executable so the bridge can create its
// journal schema without the SQL being present on the filesystem.
package migrations

import "embed"

// FS holds every *.sql file in this directory. Pass it as
// database.Config.Migrations.
//
//go:embed *.sql
var FS embed.FS
