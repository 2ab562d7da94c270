package sessionguard

import (
	"embed"
	"io/fs"
)

// The session lifecycle schema ships embedded so hosts migrate from the
// module itself instead of tracking loose SQL files. The postgres tree is
// canonical; sqlite alternatives live in the sqlite subdirectory.
//
//go:embed all:data/sql/migrations
var migrationsFS embed.FS

// GetMigrationsFS returns the embedded migration tree rooted at the module,
// so paths look like data/sql/migrations/00001_....up.sql.
func GetMigrationsFS() fs.FS {
	return migrationsFS
}

// GetCoreMigrationsFS returns the session lifecycle schema tree. It is the
// whole embedded tree today; a getter per schema segment can split off later
// without breaking callers.
func GetCoreMigrationsFS() fs.FS {
	return migrationsFS
}
