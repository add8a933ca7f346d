// Package badger keeps the feedback auth ledger in an embedded Badger
// database. Records are keyed by issue time so a reverse prefix scan yields
// newest first.
package badger
