// Package mongo provides MongoDB-backed implementations of the Weave store
// contracts: definitions, workflow run snapshots, conversations, and event
// streams. Connect dials once and hands each store a thin per-domain client
// that bootstraps its own indexes and reports health.
package mongo
