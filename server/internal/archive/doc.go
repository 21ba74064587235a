// Package archive persists accepted log lines to SQLite through gorm so that
// history outlives the in-memory retention window and server restarts.
//
// Append only enqueues; Run batches queued records and writes each batch in a
// single transaction. When the queue is full new records are dropped and
// counted rather than blocking the receiver.
package archive
