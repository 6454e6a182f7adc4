// Package dbmigrations exposes embedded SQL migrations for stratdesk binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into stratdesk binaries.
//
//go:embed *.sql
var Files embed.FS
