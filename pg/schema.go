package pg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mongodb/grip"
	"github.com/pkg/errors"
)

// schema is the DDL for the tables this package owns. The surrogate mapping
// enforces the identifier bijection with a partial unique index over active
// rows, so revocation tombstones a row without ever freeing its surrogate
// for reuse. The compensation log is the outbox for derived-index effects.
const schema = `
CREATE TABLE IF NOT EXISTS surrogate_identifiers (
	surrogate_id UUID PRIMARY KEY,
	internal_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	revoked_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS surrogate_identifiers_active_internal_id
	ON surrogate_identifiers (internal_id) WHERE revoked_at IS NULL;

CREATE INDEX IF NOT EXISTS surrogate_identifiers_internal_id
	ON surrogate_identifiers (internal_id);

CREATE TABLE IF NOT EXISTS compensation_log (
	id UUID PRIMARY KEY,
	unit_name TEXT NOT NULL,
	kind TEXT NOT NULL,
	surrogate_id UUID NOT NULL,
	vector REAL[],
	payload JSONB,
	state TEXT NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS compensation_log_state_updated_at
	ON compensation_log (state, updated_at);
`

// Bootstrap creates the tables this package owns if they do not exist. It is
// intended for tests and fresh deployments; production schema changes belong
// to whatever migration tooling owns the database.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	grip.Info("bootstrapping trust boundary schema")
	_, err := pool.Exec(ctx, schema)
	return errors.Wrap(err, "applying schema")
}
