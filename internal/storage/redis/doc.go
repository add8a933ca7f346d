// Package redis keeps the feedback auth ledger in Redis: one JSON value per
// record plus sorted-set indexes scored by issue time.
package redis
