// Package dbmigrations exposes embedded SQL migrations for Blackjack binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Blackjack binaries.
//
//go:embed *.sql
var Files embed.FS
