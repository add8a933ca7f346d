// Package web3 defines the account-provider abstraction shared by every
// on-chain protocol client: a narrow capability set for contract reads,
// gas estimation, transaction submission and account queries, satisfied by
// signer-bound and read-only implementations alike.
package web3
