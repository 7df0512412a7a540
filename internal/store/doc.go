// Package store persists conversations and folders.
//
// Two interchangeable strategies implement the same Store interface: a local
// SQLite database (modernc.org/sqlite, no cgo) and a remote MySQL-compatible
// server via GORM. The strategy is selected by explicit configuration at
// startup, never by which file happens to be imported.
//
// Records are storage-agnostic: the conversation layer serializes its message
// list to JSON and the store treats it as opaque text. Folder entities have
// stable uuid ids; legacy string folder labels on incoming records are
// migrated to entities on save.
package store
