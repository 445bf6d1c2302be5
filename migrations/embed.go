// Package migrations embeds the SQL migration files into the binary so
// serialdeviced can create its history schema without files on disk.
package migrations

import "embed"

// FS holds every *.sql file in this directory at its root. Pass it as
// database.Config.Migrations.
//
//go:embed *.sql
var FS embed.FS
