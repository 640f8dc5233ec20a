// Package database opens the gateway's SQLite store and applies its schema
// migrations.
//
// The store holds the property event history; the module registries
// themselves live in per-interface XML files. Migrations are embedded in the
// binary (see the top-level migrations package) and passed to Migrate as an
// fs.FS.
package database
