// Package migrations embeds the SQL schema files into the binary so the
// server can migrate its database without shipping loose .sql files.
package migrations

import (
	"embed"

	"homeport/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
