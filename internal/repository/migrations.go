package repository

import "embed"

// Migrations embeds the goose migration set so the binary can apply
// schema changes without depending on a filesystem path at deploy time.
//
//go:embed migrations/*.sql
var Migrations embed.FS
