// Package postgres is the production persistence backend for the
// pipeline stages downstream of ingestion: normalization, detection,
// batching, dispatch, and archival. One Store wraps a shared pool and
// implements each stage's narrow Store interface, the way config/postgres
// and aicache/postgres implement theirs, against the same schema
// (see internal/store/postgres/migrations for the full schema).
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"centinela/internal/aiclient"
	"centinela/internal/aidispatch"
	"centinela/internal/archive"
	"centinela/internal/batch"
	"centinela/internal/dispatch"
	"centinela/internal/ingestworker"
	"centinela/internal/normalize"
	"centinela/internal/rules"
)

// Store is a Postgres-backed implementation of every Store interface the
// pipeline stages declare. Components depend on their own narrow
// interface, never on this concrete type, so tests keep using fakes.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ normalize.Store    = (*Store)(nil)
	_ rules.Store        = (*Store)(nil)
	_ batch.Store        = (*Store)(nil)
	_ dispatch.Store     = (*Store)(nil)
	_ archive.Store      = (*Store)(nil)
	_ aiclient.Store     = (*Store)(nil)
	_ ingestworker.Store = (*Store)(nil)
	_ aidispatch.Store   = (*Store)(nil)
)

// New wraps an existing pool. The pool's lifecycle is the caller's
// responsibility, matching the teacher's pattern of injecting a shared
// connection handle rather than owning it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}
