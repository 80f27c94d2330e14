// Package store provides persistent storage for parley using SQLite.
//
// # Architecture
//
// Store is the single persistence interface. SQLiteStore implements it on
// top of database/sql with either the pure Go modernc.org/sqlite driver
// (default) or the cgo github.com/mattn/go-sqlite3 driver. MockStore is an
// in-memory twin used by service tests.
//
// # Data Models
//
//   - User: directory entry mirrored from the identity provider
//   - Conversation: an exact member set with an optional title
//   - Message: immutable entry in a conversation's history
//
// The persisted layout is four tables: users, conversations, messages and
// the conversation_members association.
//
// # Member Keys
//
// Every conversation stores a canonical member key (sorted, de-duplicated
// user ids). A UNIQUE index on that key guarantees at most one conversation
// per exact member set; a losing concurrent create gets
// ErrDuplicateConversation and is expected to re-read the winner.
//
// Removing a user from the directory detaches it from its conversations and
// retires their member keys, so history survives but the changed set is never
// matched again.
//
// # Ordering
//
// Timestamps are stored as fixed-width UTC text so that lexical order equals
// chronological order. Messages sharing a timestamp are ordered by their
// auto-increment id.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateConversation: member key already taken
package store
