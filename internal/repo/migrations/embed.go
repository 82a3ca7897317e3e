// Package migrations содержит схему control plane.
package migrations

import "embed"

// FS — встроенные goose миграции.
//
//go:embed *.sql
var FS embed.FS
