// Package journal persists session history in SQLite. Recording is
// best-effort: a failed write surfaces as a journal-degraded condition
// while the live session keeps running, and Replay reconstructs whatever
// consistent prefix the record holds.
package journal
