// Package mq embeds the SQL that prepares a database for the pgmq client.
package mq

import "embed"

// LatestSQL installs everything the client needs in one script.
//
//go:embed sql/latest.sql
var LatestSQL string

// MigrationsFS holds golang-migrate compatible migrations.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS
