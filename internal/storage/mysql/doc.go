// Package mysql persists the feedback auth ledger in MySQL. It owns the
// embedded schema migrations and the connection pool defaults.
package mysql
