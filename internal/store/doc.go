// Package store provides persistence for users, conversations and messages.
//
// The Store interface is implemented by SQLiteStore, which keeps the unread
// counters in a dedicated (conversation_id, user_id) table so increments can
// run SQL-side, and assigns message sequence numbers inside the same
// transaction that commits the conversation metadata update. A message is
// therefore never visible without its preview/unread side effects.
package store
