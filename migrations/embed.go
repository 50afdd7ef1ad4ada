// Package migrations embeds the receipt and task-queue schema so the binary
// can apply it with `receiptq migrate` without SQL files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
