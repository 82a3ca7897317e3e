// Package migrations содержит схему хранилища тенанта.
package migrations

import "embed"

// FS — встроенные goose миграции.
//
//go:embed *.sql
var FS embed.FS
