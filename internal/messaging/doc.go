// Package messaging is the conversation engine: it resolves the single
// conversation per participant pair, appends to its ordered message log,
// maintains per-participant unread counters, and fans live changes out to
// subscribers.
//
// Sends for the same pair are serialized in process and backstopped by the
// store's unique pair constraint, so concurrent first contacts end up in
// one conversation. Subscribers follow a sequence cursor into the store
// rather than receiving pushed payloads, which keeps slow consumers from
// blocking commits without ever skipping a message.
package messaging
