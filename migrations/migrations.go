// Package migrations embeds the Postgres and Scylla schemas.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
)

//go:embed *.sql scylla/*.cql
var files embed.FS

// Postgres returns the SQL migrations in apply order.
func Postgres() ([]string, error) {
	return load("*.sql")
}

// Scylla returns the CQL statements in apply order.
func Scylla() ([]string, error) {
	return load("scylla/*.cql")
}

func load(pattern string) ([]string, error) {
	names, err := fs.Glob(files, pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		body, err := files.ReadFile(name)
		if err != nil {
			return nil, err
		}
		out = append(out, string(body))
	}
	return out, nil
}
