// Package appfs embeds the files the app needs at runtime: SQL migrations, email templates and data files.
package appfs

import "embed"

//go:embed migrations all:assets
var FS embed.FS
