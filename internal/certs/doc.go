// Package certs holds the certificate record and its durable store.
//
// A record exists only for certificates whose issuance succeeded. Status is
// derived at read time from ExpiresAt; nothing is ever deleted.
//
// Two implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
package certs
