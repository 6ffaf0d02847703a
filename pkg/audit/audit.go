package audit

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgconn"

	"rdcp/pkg/models"
)

// Sink persists audit records. Implementations must be safe for concurrent
// use and should honour ctx cancellation.
type Sink interface {
	Write(ctx context.Context, rec models.AuditRecord) error
}

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const Schema = `
CREATE TABLE IF NOT EXISTS rdcp_audit_records (
	id             BIGSERIAL PRIMARY KEY,
	request_id     TEXT        NOT NULL,
	scope          TEXT        NOT NULL,
	action         TEXT        NOT NULL,
	categories     TEXT[]      NOT NULL,
	operator       TEXT        NOT NULL,
	reason         TEXT        NOT NULL DEFAULT '',
	previous_state JSONB       NOT NULL,
	new_state      JSONB       NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rdcp_audit_records_scope_idx ON rdcp_audit_records (scope, created_at);
`

// Writer appends records to Postgres.
type Writer struct {
	DB auditDB
}

func (w *Writer) Write(ctx context.Context, rec models.AuditRecord) error {
	prev, err := json.Marshal(rec.PreviousState)
	if err != nil {
		return err
	}
	next, err := json.Marshal(rec.NewState)
	if err != nil {
		return err
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO rdcp_audit_records
		(request_id, scope, action, categories, operator, reason, previous_state, new_state, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.RequestID, string(rec.Scope), rec.Action, rec.Categories, rec.Operator, rec.Reason, prev, next, rec.Timestamp.UTC())
	return err
}
