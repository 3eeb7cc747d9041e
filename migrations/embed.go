// Package migrations ships the schema and seed SQL embedded in the binary.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql seeds
var files embed.FS

// SQL returns the schema migration files.
func SQL() fs.FS {
	sub, err := fs.Sub(files, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Seeds returns the seed data files.
func Seeds() fs.FS {
	sub, err := fs.Sub(files, "seeds")
	if err != nil {
		panic(err)
	}
	return sub
}
