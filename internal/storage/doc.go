// Package storage provides the persistence layer used by the bot.
//
// It stores:
//   - Guild settings (default time zone, birthday role, announcement channel and templates)
//   - Per-user birthday records, including the "last processed" watermark
//
// The only backend is SQLite (modernc.org/sqlite, pure Go).
package storage
