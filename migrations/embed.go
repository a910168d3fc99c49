// Package migrations embeds the SQL migration files into the binary so
// the daemon can run migrations without the SQL files present on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/homehub/internal/store"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	store.MigrationsFS = migrationsFS
	store.MigrationsDir = "."
}
