// Package store owns row-level durability for instances, members,
// campaigns, and votes.
//
// Ownership boundary:
// - row shapes mirroring the coordination data model
// - the Store interface consumed by the registry and voting coordinator
// - memory (test) and sqlite (daemon) implementations
//
// Components keep their authoritative tables in memory; the store is a
// write-through durability boundary with no query language assumed.
package store
