// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: SKIP LOCKED document claims, a lease-table lock.Store,
// LISTEN/NOTIFY as an event.Channel, embedded SQL migrations.
package postgres
